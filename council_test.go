package main

import (
	"testing"
	"testing/quick"
)

func ballot(votes ...[2]int64) []VoteRecord {
	out := make([]VoteRecord, len(votes))
	for i, v := range votes {
		out[i] = VoteRecord{GameID: 1, PhaseSeq: 4, VoterID: v[0], TargetID: v[1], Weight: 1}
	}
	return out
}

func resolveTestCouncil(t *testing.T, r Roster, votes []VoteRecord, actions ...ActionRecord) CouncilResult {
	t.Helper()
	res, err := resolveCouncil(CouncilInput{
		GameID: 1, PhaseSeq: 4, Roster: r, Rules: testRules(t),
		Votes: votes, Actions: actions, Uses: map[useKey]int{},
	})
	if err != nil {
		t.Fatalf("resolveCouncil: %v", err)
	}
	return res
}

func TestCouncilTieEliminatesNobody(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleVillager, RoleVillager, RoleWerewolf, RoleVillager, RoleVillager)

	res := resolveTestCouncil(t, r, ballot(
		[2]int64{3, 1}, [2]int64{4, 1},
		[2]int64{1, 2}, [2]int64{5, 2},
	))

	if !res.Tie || res.Eliminated != 0 || len(res.Deaths) != 0 {
		t.Errorf("expected a tie without elimination, got %+v", res)
	}
	if countEvents(res.Events, EventCouncilTie) != 1 || countEvents(res.Events, EventCouncilTally) != 1 {
		t.Errorf("expected tally and tie events, got %+v", res.Events)
	}
}

func TestCouncilNoVotes(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleVillager, RoleWerewolf, RoleVillager)

	res := resolveTestCouncil(t, r, nil)
	if !res.NoVotes || res.Eliminated != 0 {
		t.Errorf("expected no votes, got %+v", res)
	}
}

func TestCouncilEliminatesPluralityLeader(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleVillager, RoleWerewolf, RoleVillager, RoleVillager)

	res := resolveTestCouncil(t, r, ballot([2]int64{1, 2}, [2]int64{3, 2}, [2]int64{2, 1}))
	if res.Eliminated != 2 || res.Roster.isAlive(2) || res.Roster[2].DeathCause != CauseCouncil {
		t.Errorf("P2 should be eliminated by the council, got %+v", res)
	}
	if len(res.Tally) != 2 || res.Tally[0].TargetID != 1 || res.Tally[1].Votes != 2 {
		t.Errorf("unexpected tally %+v", res.Tally)
	}
	for _, line := range res.Tally {
		if len(line.Voters) != 0 {
			t.Error("votes are anonymous unless made public")
		}
	}
}

func TestCouncilMayorBreaksTie(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleMayor, RoleWerewolf, RoleVillager, RoleVillager)

	votes := ballot([2]int64{1, 2}, [2]int64{2, 3})
	votes[0].Weight = 2
	res := resolveTestCouncil(t, r, votes)
	if res.Eliminated != 2 {
		t.Errorf("the mayor's vote counts double, got %+v", res.Tally)
	}
}

// A stored weight is never trusted above what the voter holds now.
func TestCouncilWeightCappedByCurrentRole(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleVillager, RoleWerewolf, RoleVillager, RoleVillager)

	votes := ballot([2]int64{1, 2}, [2]int64{2, 3})
	votes[0].Weight = 2
	res := resolveTestCouncil(t, r, votes)
	if !res.Tie {
		t.Errorf("a villager's vote counts once, got %+v", res.Tally)
	}
}

func TestCouncilIgnoresDeadVotersAndTargets(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleVillager, RoleWerewolf, RoleVillager, RoleVillager)
	kill(r, 4)

	res := resolveTestCouncil(t, r, ballot([2]int64{4, 1}, [2]int64{1, 4}, [2]int64{3, 2}))
	if res.Eliminated != 2 {
		t.Errorf("only P3's vote counts, got %+v", res.Tally)
	}
}

func TestCouncilImmunityNullifiesElimination(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleIdiot, RoleWerewolf, RoleVillager, RoleVillager)

	res := resolveTestCouncil(t, r,
		ballot([2]int64{2, 1}, [2]int64{3, 1}, [2]int64{4, 2}),
		ActionRecord{GameID: 1, PhaseSeq: 3, PlayerID: 1, PowerID: "immunite"},
	)

	if !res.ImmunityUsed || res.Eliminated != 0 || !res.Roster.isAlive(1) {
		t.Errorf("the idiot should survive, got %+v", res)
	}
	if len(res.Applied) != 1 || res.Applied[0].Power.ID != "immunite" {
		t.Errorf("immunity should be consumed, got %+v", res.Applied)
	}
}

func TestCouncilUnusedImmunityStaysAvailable(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleIdiot, RoleWerewolf, RoleVillager, RoleVillager)

	res := resolveTestCouncil(t, r,
		ballot([2]int64{1, 2}, [2]int64{3, 2}),
		ActionRecord{GameID: 1, PhaseSeq: 3, PlayerID: 1, PowerID: "immunite"},
	)
	if res.Eliminated != 2 || len(res.Applied) != 0 {
		t.Errorf("immunity is only spent when it saves its holder, got %+v", res.Applied)
	}
}

func TestCouncilPublicVotesAttributeVoters(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleCrier, RoleWerewolf, RoleVillager)

	res := resolveTestCouncil(t, r,
		ballot([2]int64{1, 2}, [2]int64{3, 2}),
		ActionRecord{GameID: 1, PhaseSeq: 4, PlayerID: 1, PowerID: "vote_public"},
	)
	if !res.Attributed || len(res.Tally) != 1 || len(res.Tally[0].Voters) != 2 {
		t.Errorf("voters should be listed, got %+v", res.Tally)
	}
}

func TestCouncilHunterEliminationCreatesRevenge(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleHunter, RoleWerewolf, RoleVillager, RoleVillager)

	res := resolveTestCouncil(t, r, ballot([2]int64{2, 1}, [2]int64{3, 1}))
	if len(res.Triggers) != 1 || res.Triggers[0].Kind != TriggerRevenge || res.Triggers[0].PlayerID != 1 {
		t.Errorf("expected a revenge trigger for the hunter, got %+v", res.Triggers)
	}
}

// Only a strict leader is ever eliminated.
func TestCouncilStrictPluralityProperty(t *testing.T) {
	rules := testRules(t)
	f := func(choices [6]uint8) bool {
		r := rosterOf(t, rules, RoleVillager, RoleVillager, RoleVillager, RoleWerewolf, RoleVillager, RoleVillager)
		counts := make(map[int64]int)
		var votes []VoteRecord
		for i, c := range choices {
			voter := int64(i + 1)
			target := int64(c%6) + 1
			if target == voter {
				continue
			}
			counts[target]++
			votes = append(votes, VoteRecord{VoterID: voter, TargetID: target, Weight: 1})
		}
		res, err := resolveCouncil(CouncilInput{GameID: 1, PhaseSeq: 4, Roster: r, Rules: rules, Votes: votes, Uses: map[useKey]int{}})
		if err != nil {
			return false
		}
		leaders, top := pluralityLeaders(counts)
		switch {
		case top == 0:
			return res.NoVotes && res.Eliminated == 0
		case len(leaders) > 1:
			return res.Tie && res.Eliminated == 0
		default:
			return res.Eliminated == leaders[0] && !res.Roster.isAlive(leaders[0])
		}
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 100}); err != nil {
		t.Error(err)
	}
}
