package main

import (
	"fmt"
	"log"
	"slices"
)

// EffectKind names what a power does when it is applied.
type EffectKind string

const (
	EffectRoleSwap       EffectKind = "role_swap"
	EffectBond           EffectKind = "bond"
	EffectModelTransform EffectKind = "model_transform"
	EffectReveal         EffectKind = "reveal"
	EffectWolfAttack     EffectKind = "wolf_attack"
	EffectProtect        EffectKind = "protect"
	EffectLifeSave       EffectKind = "life_save"
	EffectDeathDeal      EffectKind = "death_deal"
	EffectRevengeShot    EffectKind = "revenge_shot"
	EffectSilentKill     EffectKind = "silent_kill"
	EffectDoubleVote     EffectKind = "double_vote"
	EffectImmunity       EffectKind = "immunity"
	EffectVoteVisibility EffectKind = "vote_visibility"
)

// nightState is the working state of one night resolution. Effects read and
// write it in registry order; nothing here touches the database.
type nightState struct {
	gameID   int64
	phaseSeq int
	roster   Roster
	rules    *Ruleset
	uses     map[useKey]int

	events  []EventRecord
	applied []appliedPower
	swaps   []Transformation

	wolfVotes   map[int64]int
	wolfVictim  int64
	noAttack    bool
	attackSaved bool
	savedBy     string // protection | potion_vie
	protected   map[int64]bool
	deaths      []Death
}

type appliedPower struct {
	PlayerID int64
	Power    PowerDefinition
}

// nightEffect is one step of the fixed night order.
type nightEffect struct {
	kind  EffectKind
	apply func(st *nightState, actions []ActionRecord)
}

// nightEffects is the resolution order. Role swaps come first so every later
// step sees the swapped roles; lethal steps come last so protections and
// saves are known before anyone dies.
var nightEffects = []nightEffect{
	{EffectRoleSwap, applyRoleSwap},
	{EffectBond, applyBond},
	{EffectModelTransform, applyModelChoice},
	{EffectReveal, applyReveal},
	{EffectWolfAttack, applyWolfAttack},
	{EffectProtect, applyProtect},
	{EffectLifeSave, applyLifeSave},
	{EffectDeathDeal, applyDeathDeal},
}

// eligible reports whether the action's author can still apply it: alive,
// holding the power under the current roles, and under the usage cap.
func (st *nightState) eligible(a ActionRecord) (PowerDefinition, bool) {
	pd, ok := st.rules.Powers[a.PowerID]
	if !ok {
		return pd, false
	}
	actor, ok := st.roster[a.PlayerID]
	if !ok || !actor.IsAlive || !st.rules.canUse(actor, a.PowerID) {
		return pd, false
	}
	if pd.UsageCap > 0 && st.uses[useKey{a.PlayerID, pd.ID}] >= pd.UsageCap {
		return pd, false
	}
	return pd, true
}

func (st *nightState) consume(playerID int64, pd PowerDefinition) {
	st.uses[useKey{playerID, pd.ID}]++
	st.applied = append(st.applied, appliedPower{PlayerID: playerID, Power: pd})
}

func (st *nightState) event(ev EventRecord) {
	ev.GameID = st.gameID
	ev.PhaseSeq = st.phaseSeq
	ev.Phase = PhaseNight
	st.events = append(st.events, ev)
}

func applyRoleSwap(st *nightState, actions []ActionRecord) {
	for _, a := range actions {
		pd, ok := st.eligible(a)
		if !ok {
			continue
		}
		first, okA := st.roster[a.TargetID]
		second, okB := st.roster[a.SecondTargetID]
		if !okA || !okB || !first.IsAlive || !second.IsAlive || first.PlayerID == second.PlayerID {
			continue
		}
		if first.Team == TeamWolves || second.Team == TeamWolves {
			continue
		}
		firstRole, secondRole := first.RoleID, second.RoleID
		st.rules.assignRole(&first, secondRole)
		st.rules.assignRole(&second, firstRole)
		st.roster[first.PlayerID] = first
		st.roster[second.PlayerID] = second
		st.consume(a.PlayerID, pd)

		st.swaps = append(st.swaps,
			Transformation{PlayerID: first.PlayerID, Kind: EventRoleSwap, From: st.rules.Roles[firstRole].Name, To: first.RoleName},
			Transformation{PlayerID: second.PlayerID, Kind: EventRoleSwap, From: st.rules.Roles[secondRole].Name, To: second.RoleName},
		)
		st.event(EventRecord{Type: EventRoleSwap, ActorID: a.PlayerID, TargetID: first.PlayerID,
			Visibility: VisibilityActor, Detail: fmt.Sprintf("%s <-> %s", first.Name, second.Name)})
		for _, p := range []Player{first, second} {
			st.event(EventRecord{Type: EventRoleSwap, ActorID: p.PlayerID, TargetID: p.PlayerID,
				Visibility: VisibilityActor, Detail: p.RoleName})
		}
		log.Printf("Role swap by %d: %s is now %s, %s is now %s", a.PlayerID, first.Name, first.RoleName, second.Name, second.RoleName)
	}
}

func applyBond(st *nightState, actions []ActionRecord) {
	for _, a := range actions {
		pd, ok := st.eligible(a)
		if !ok {
			continue
		}
		first, okA := st.roster[a.TargetID]
		second, okB := st.roster[a.SecondTargetID]
		if !okA || !okB || !first.IsAlive || !second.IsAlive || first.PlayerID == second.PlayerID {
			continue
		}
		if first.BondPartnerID != 0 || second.BondPartnerID != 0 {
			continue
		}
		first.BondPartnerID = second.PlayerID
		second.BondPartnerID = first.PlayerID
		st.roster[first.PlayerID] = first
		st.roster[second.PlayerID] = second
		st.consume(a.PlayerID, pd)

		st.event(EventRecord{Type: EventBond, ActorID: a.PlayerID, TargetID: first.PlayerID,
			Visibility: VisibilityActor, Detail: fmt.Sprintf("%s + %s", first.Name, second.Name)})
		st.event(EventRecord{Type: EventBondNotice, ActorID: first.PlayerID, TargetID: second.PlayerID,
			Visibility: VisibilityActor, Detail: second.Name})
		st.event(EventRecord{Type: EventBondNotice, ActorID: second.PlayerID, TargetID: first.PlayerID,
			Visibility: VisibilityActor, Detail: first.Name})
	}
}

func applyModelChoice(st *nightState, actions []ActionRecord) {
	for _, a := range actions {
		pd, ok := st.eligible(a)
		if !ok || !st.roster.isAlive(a.TargetID) || a.TargetID == a.PlayerID {
			continue
		}
		child := st.roster[a.PlayerID]
		if child.ModelPlayerID != 0 {
			continue
		}
		child.ModelPlayerID = a.TargetID
		st.roster[child.PlayerID] = child
		st.consume(a.PlayerID, pd)
		st.event(EventRecord{Type: EventModelChosen, ActorID: a.PlayerID, TargetID: a.TargetID,
			Visibility: VisibilityActor, Detail: st.roster[a.TargetID].Name})
	}
}

func applyReveal(st *nightState, actions []ActionRecord) {
	for _, a := range actions {
		pd, ok := st.eligible(a)
		if !ok || !st.roster.isAlive(a.TargetID) {
			continue
		}
		target := st.roster[a.TargetID]
		st.consume(a.PlayerID, pd)
		st.event(EventRecord{Type: EventReveal, ActorID: a.PlayerID, TargetID: target.PlayerID,
			Visibility: VisibilityActor, Detail: target.Team})
	}
}

// applyWolfAttack picks the plurality target among the living wolves' votes.
// No votes or a tie at the top means no attack this night.
func applyWolfAttack(st *nightState, actions []ActionRecord) {
	st.wolfVotes = make(map[int64]int)
	for _, a := range actions {
		pd, ok := st.eligible(a)
		if !ok || st.roster[a.PlayerID].Team != TeamWolves {
			continue
		}
		target, ok := st.roster[a.TargetID]
		if !ok || !target.IsAlive || target.Team == TeamWolves {
			continue
		}
		st.wolfVotes[target.PlayerID]++
		st.consume(a.PlayerID, pd)
	}

	leaders, top := pluralityLeaders(st.wolfVotes)
	if top == 0 || len(leaders) != 1 {
		st.noAttack = true
		st.event(EventRecord{Type: EventNoAttack, Visibility: VisibilityTeamWolves,
			Detail: fmt.Sprintf("%d candidates at %d votes", len(leaders), top)})
		return
	}
	st.wolfVictim = leaders[0]
	st.event(EventRecord{Type: EventWolfAttack, TargetID: st.wolfVictim,
		Visibility: VisibilityTeamWolves, Detail: st.roster[st.wolfVictim].Name})
}

// applyProtect records every protection. A protection on the wolves' victim
// cancels the attack.
func applyProtect(st *nightState, actions []ActionRecord) {
	st.protected = make(map[int64]bool)
	for _, a := range actions {
		pd, ok := st.eligible(a)
		if !ok || !st.roster.isAlive(a.TargetID) || a.TargetID == a.PlayerID {
			continue
		}
		st.protected[a.TargetID] = true
		st.consume(a.PlayerID, pd)
		st.event(EventRecord{Type: EventProtection, ActorID: a.PlayerID, TargetID: a.TargetID,
			Visibility: VisibilityActor, Detail: st.roster[a.TargetID].Name})
	}
	if st.wolfVictim != 0 && st.protected[st.wolfVictim] {
		st.attackSaved = true
		st.savedBy = EventProtection
	}
}

// applyLifeSave spends a life potion only when it actually saves the wolves'
// victim; otherwise the potion stays available.
func applyLifeSave(st *nightState, actions []ActionRecord) {
	for _, a := range actions {
		pd, ok := st.eligible(a)
		if !ok {
			continue
		}
		if st.wolfVictim == 0 || st.attackSaved || a.TargetID != st.wolfVictim {
			continue
		}
		st.attackSaved = true
		st.savedBy = EventLifeSaved
		st.consume(a.PlayerID, pd)
		st.event(EventRecord{Type: EventLifeSaved, ActorID: a.PlayerID, TargetID: a.TargetID,
			Visibility: VisibilityActor, Detail: st.roster[a.TargetID].Name})
	}
	if st.wolfVictim != 0 && !st.attackSaved {
		st.deaths = append(st.deaths, Death{PlayerID: st.wolfVictim, Cause: CauseWolves})
	}
}

// applyDeathDeal kills its target regardless of protections.
func applyDeathDeal(st *nightState, actions []ActionRecord) {
	for _, a := range actions {
		pd, ok := st.eligible(a)
		if !ok || !st.roster.isAlive(a.TargetID) || a.TargetID == a.PlayerID {
			continue
		}
		st.consume(a.PlayerID, pd)
		st.deaths = append(st.deaths, Death{PlayerID: a.TargetID, Cause: CausePoison, SourceID: a.PlayerID})
		st.event(EventRecord{Type: EventPoison, ActorID: a.PlayerID, TargetID: a.TargetID,
			Visibility: VisibilityActor, Detail: st.roster[a.TargetID].Name})
	}
}

// pluralityLeaders returns the ids tied at the highest count, sorted, and
// that count.
func pluralityLeaders(counts map[int64]int) ([]int64, int) {
	top := 0
	var leaders []int64
	for id, n := range counts {
		switch {
		case n > top:
			top = n
			leaders = []int64{id}
		case n == top && n > 0:
			leaders = append(leaders, id)
		}
	}
	slices.Sort(leaders)
	return leaders, top
}
