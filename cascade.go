package main

import (
	"maps"
	"slices"
)

// Death causes. The cause recorded on the player is the real one; events
// only carry publicCause.
const (
	CauseWolves        = "loups"
	CausePoison        = "poison"
	CauseGrief         = "chagrin"
	CauseCouncil       = "conseil"
	CauseRevenge       = "vengeance"
	CauseAssassination = "assassinat"
	CauseMystery       = "mystere"
)

func publicCause(cause string) string {
	if cause == CauseAssassination {
		return CauseMystery
	}
	return cause
}

// Roster is the in-memory snapshot of a game's players keyed by player id.
// Resolvers work on a clone and hand the result back for persistence.
type Roster map[int64]Player

func newRoster(players []Player) Roster {
	r := make(Roster, len(players))
	for _, p := range players {
		r[p.PlayerID] = p
	}
	return r
}

func (r Roster) clone() Roster {
	return maps.Clone(r)
}

// ids returns player ids in ascending order.
func (r Roster) ids() []int64 {
	ids := slices.Collect(maps.Keys(r))
	slices.Sort(ids)
	return ids
}

func (r Roster) alive() []Player {
	var out []Player
	for _, id := range r.ids() {
		if r[id].IsAlive {
			out = append(out, r[id])
		}
	}
	return out
}

func (r Roster) isAlive(id int64) bool {
	p, ok := r[id]
	return ok && p.IsAlive
}

type Death struct {
	PlayerID int64
	Cause    string
	SourceID int64 // who caused it, 0 when collective or unknown
}

type cascadeResult struct {
	Roster   Roster
	Deaths   []Death // applied deaths, initial ones first
	Events   []EventRecord
	Triggers []PendingTrigger
}

// applyDeaths kills the given players and follows every consequence until
// nothing changes: bonded partners die of grief, models flag their wild
// child for transformation and revenge holders get a pending shot. A player
// already dead keeps the first cause.
func applyDeaths(r Roster, rules *Ruleset, deaths []Death, phaseSeq int, phase string) (cascadeResult, error) {
	out := r.clone()
	res := cascadeResult{Roster: out}
	queue := slices.Clone(deaths)

	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]

		p, ok := out[d.PlayerID]
		if !ok {
			return res, engineFault("death of unknown player %d", d.PlayerID)
		}
		if !p.IsAlive {
			continue
		}
		p.IsAlive = false
		p.DeathCause = d.Cause
		p.DeathPhaseSeq = phaseSeq
		out[p.PlayerID] = p
		res.Deaths = append(res.Deaths, d)
		res.Events = append(res.Events, deathEvent(p, d, phaseSeq, phase))

		if p.BondPartnerID != 0 && out.isAlive(p.BondPartnerID) {
			queue = append(queue, Death{PlayerID: p.BondPartnerID, Cause: CauseGrief, SourceID: p.PlayerID})
		}

		for _, id := range out.ids() {
			c := out[id]
			if c.IsAlive && c.ModelPlayerID == p.PlayerID && !c.Transformed {
				res.Triggers = append(res.Triggers, PendingTrigger{
					GameID:     c.GameID,
					Kind:       TriggerTransform,
					PlayerID:   c.PlayerID,
					SourceID:   p.PlayerID,
					CreatedSeq: phaseSeq,
					Status:     TriggerPending,
				})
			}
		}

		if _, ok := rules.holds(p, EffectRevengeShot); ok {
			res.Triggers = append(res.Triggers, PendingTrigger{
				GameID:     p.GameID,
				Kind:       TriggerRevenge,
				PlayerID:   p.PlayerID,
				SourceID:   d.SourceID,
				CreatedSeq: phaseSeq,
				Status:     TriggerPending,
			})
		}
	}

	if err := checkCascadeInvariants(res); err != nil {
		return res, err
	}
	return res, nil
}

func deathEvent(p Player, d Death, phaseSeq int, phase string) EventRecord {
	visibility := VisibilityPublic
	if phase == PhaseNight {
		visibility = VisibilityResolved
	}
	return EventRecord{
		GameID:     p.GameID,
		PhaseSeq:   phaseSeq,
		Phase:      phase,
		Type:       EventDeath,
		TargetID:   p.PlayerID,
		Cause:      publicCause(d.Cause),
		Visibility: visibility,
		Detail:     p.Name,
	}
}

// checkCascadeInvariants verifies the state a cascade must leave behind.
func checkCascadeInvariants(res cascadeResult) error {
	for _, id := range res.Roster.ids() {
		p := res.Roster[id]
		if !p.IsAlive && p.DeathCause == "" {
			return engineFault("player %d dead without a cause", id)
		}
		if p.IsAlive && p.BondPartnerID != 0 && !res.Roster.isAlive(p.BondPartnerID) {
			return engineFault("player %d alive while bonded partner %d is dead", id, p.BondPartnerID)
		}
	}
	deathEvents := make(map[int64]int)
	for _, ev := range res.Events {
		if ev.Type == EventDeath {
			deathEvents[ev.TargetID]++
		}
	}
	for _, d := range res.Deaths {
		if deathEvents[d.PlayerID] != 1 {
			return engineFault("player %d has %d death events", d.PlayerID, deathEvents[d.PlayerID])
		}
	}
	return nil
}
