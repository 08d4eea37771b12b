package main

import (
	"encoding/json"
	"log"
)

// CouncilInput is the snapshot a council resolution works from. Actions
// holds day-window activations (immunity, vote visibility) from the jour and
// conseil phases of the current day.
type CouncilInput struct {
	GameID   int64
	PhaseSeq int
	Roster   Roster
	Rules    *Ruleset
	Votes    []VoteRecord
	Actions  []ActionRecord
	Uses     map[useKey]int
}

// VoteTally is one line of the council breakdown. Voters is only filled when
// vote attribution is public.
type VoteTally struct {
	TargetID int64   `json:"target_id"`
	Name     string  `json:"name"`
	Votes    int     `json:"votes"`
	Voters   []int64 `json:"voters,omitempty"`
}

type CouncilResult struct {
	Roster       Roster
	Deaths       []Death
	Events       []EventRecord
	Triggers     []PendingTrigger
	Applied      []appliedPower
	Tally        []VoteTally
	Eliminated   int64
	Tie          bool
	NoVotes      bool
	ImmunityUsed bool
	Attributed   bool
}

// voteWeight is 2 for a living holder of the double vote, 1 otherwise.
func voteWeight(rules *Ruleset, voter Player) int {
	if _, ok := rules.holds(voter, EffectDoubleVote); ok {
		return 2
	}
	return 1
}

// resolveCouncil tallies the weighted votes of living voters for living
// targets and eliminates the strict plurality leader, unless the leader holds
// an active immunity. A tie or an empty ballot eliminates nobody.
func resolveCouncil(in CouncilInput) (CouncilResult, error) {
	roster := in.Roster.clone()
	uses := make(map[useKey]int, len(in.Uses))
	for k, v := range in.Uses {
		uses[k] = v
	}
	res := CouncilResult{Roster: roster}

	event := func(ev EventRecord) {
		ev.GameID = in.GameID
		ev.PhaseSeq = in.PhaseSeq
		ev.Phase = PhaseCouncil
		res.Events = append(res.Events, ev)
	}

	// Day-window activations, keyed by effect.
	activated := make(map[EffectKind]map[int64]PowerDefinition)
	for _, a := range in.Actions {
		pd, ok := in.Rules.Powers[a.PowerID]
		if !ok {
			continue
		}
		actor, ok := roster[a.PlayerID]
		if !ok || !actor.IsAlive || !in.Rules.canUse(actor, pd.ID) {
			continue
		}
		if pd.UsageCap > 0 && uses[useKey{a.PlayerID, pd.ID}] >= pd.UsageCap {
			continue
		}
		if activated[pd.Effect] == nil {
			activated[pd.Effect] = make(map[int64]PowerDefinition)
		}
		activated[pd.Effect][a.PlayerID] = pd
	}
	for id, pd := range activated[EffectVoteVisibility] {
		res.Attributed = true
		res.Applied = append(res.Applied, appliedPower{PlayerID: id, Power: pd})
	}

	counts := make(map[int64]int)
	voters := make(map[int64][]int64)
	for _, v := range in.Votes {
		voter, ok := roster[v.VoterID]
		if !ok || !voter.IsAlive || !roster.isAlive(v.TargetID) {
			continue
		}
		w := voteWeight(in.Rules, voter)
		if v.Weight > 0 && v.Weight < w {
			w = v.Weight
		}
		counts[v.TargetID] += w
		voters[v.TargetID] = append(voters[v.TargetID], v.VoterID)
	}

	for _, id := range roster.ids() {
		if n, ok := counts[id]; ok {
			line := VoteTally{TargetID: id, Name: roster[id].Name, Votes: n}
			if res.Attributed {
				line.Voters = voters[id]
			}
			res.Tally = append(res.Tally, line)
		}
	}
	if detail, err := json.Marshal(res.Tally); err == nil {
		event(EventRecord{Type: EventCouncilTally, Visibility: VisibilityPublic, Detail: string(detail)})
	}

	leaders, top := pluralityLeaders(counts)
	switch {
	case top == 0:
		res.NoVotes = true
		event(EventRecord{Type: EventNoVotes, Visibility: VisibilityPublic})
		return res, nil
	case len(leaders) > 1:
		res.Tie = true
		event(EventRecord{Type: EventCouncilTie, Visibility: VisibilityPublic})
		return res, nil
	}

	target := roster[leaders[0]]
	if pd, ok := activated[EffectImmunity][target.PlayerID]; ok {
		res.ImmunityUsed = true
		res.Applied = append(res.Applied, appliedPower{PlayerID: target.PlayerID, Power: pd})
		event(EventRecord{Type: EventImmunity, TargetID: target.PlayerID, Visibility: VisibilityPublic,
			Detail: target.RoleName})
		log.Printf("Council: %s survives elimination with immunity", target.Name)
		return res, nil
	}

	cascade, err := applyDeaths(roster, in.Rules, []Death{{PlayerID: target.PlayerID, Cause: CauseCouncil}}, in.PhaseSeq, PhaseCouncil)
	if err != nil {
		return res, err
	}
	res.Roster = cascade.Roster
	res.Deaths = cascade.Deaths
	res.Triggers = cascade.Triggers
	res.Eliminated = target.PlayerID
	event(EventRecord{Type: EventElimination, TargetID: target.PlayerID, Visibility: VisibilityPublic,
		Detail: target.RoleName})
	res.Events = append(res.Events, cascade.Events...)

	log.Printf("Council eliminated %s (%s) with %d votes", target.Name, target.RoleName, top)
	return res, nil
}
