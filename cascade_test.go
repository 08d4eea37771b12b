package main

import (
	"errors"
	"testing"
)

func TestCascadeKillsBondedPartnerOfGrief(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleVillager, RoleVillager, RoleWerewolf, RoleVillager)
	p1, p2 := r[1], r[2]
	p1.BondPartnerID, p2.BondPartnerID = 2, 1
	r[1], r[2] = p1, p2

	res, err := applyDeaths(r, rules, []Death{{PlayerID: 1, Cause: CauseWolves}}, 1, PhaseNight)
	if err != nil {
		t.Fatalf("applyDeaths: %v", err)
	}
	if len(res.Deaths) != 2 {
		t.Fatalf("expected 2 deaths, got %+v", res.Deaths)
	}
	if res.Deaths[1].PlayerID != 2 || res.Deaths[1].Cause != CauseGrief || res.Deaths[1].SourceID != 1 {
		t.Errorf("partner should die of grief caused by P1, got %+v", res.Deaths[1])
	}
	if res.Roster.isAlive(1) || res.Roster.isAlive(2) {
		t.Error("both partners should be dead")
	}
	if !r[1].IsAlive {
		t.Error("input roster must not be modified")
	}
	if n := countEvents(res.Events, EventDeath); n != 2 {
		t.Errorf("expected 2 death events, got %d", n)
	}
}

func TestCascadeKeepsFirstCause(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleVillager, RoleWerewolf, RoleVillager)

	res, err := applyDeaths(r, rules, []Death{
		{PlayerID: 1, Cause: CauseWolves},
		{PlayerID: 1, Cause: CausePoison, SourceID: 3},
	}, 1, PhaseNight)
	if err != nil {
		t.Fatalf("applyDeaths: %v", err)
	}
	if len(res.Deaths) != 1 || res.Roster[1].DeathCause != CauseWolves {
		t.Errorf("expected a single death by wolves, got %+v (cause %q)", res.Deaths, res.Roster[1].DeathCause)
	}
}

func TestCascadeCreatesRevengeAndTransformTriggers(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleHunter, RoleWildChild, RoleWerewolf, RoleVillager)
	child := r[2]
	child.ModelPlayerID = 1
	r[2] = child

	res, err := applyDeaths(r, rules, []Death{{PlayerID: 1, Cause: CauseCouncil}}, 4, PhaseCouncil)
	if err != nil {
		t.Fatalf("applyDeaths: %v", err)
	}

	kinds := make(map[string]int64)
	for _, tr := range res.Triggers {
		kinds[tr.Kind] = tr.PlayerID
		if tr.CreatedSeq != 4 || tr.Status != TriggerPending {
			t.Errorf("unexpected trigger %+v", tr)
		}
	}
	if kinds[TriggerRevenge] != 1 {
		t.Errorf("hunter should get a revenge trigger, got %+v", res.Triggers)
	}
	if kinds[TriggerTransform] != 2 {
		t.Errorf("wild child should get a transform trigger, got %+v", res.Triggers)
	}
	if !res.Roster.isAlive(2) || res.Roster[2].Team != TeamVillage {
		t.Error("transformation must wait for the next night")
	}
}

func TestCascadeDeathEventVisibility(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleAssassin, RoleWerewolf, RoleVillager)

	night, err := applyDeaths(r, rules, []Death{{PlayerID: 3, Cause: CauseWolves}}, 1, PhaseNight)
	if err != nil {
		t.Fatalf("applyDeaths: %v", err)
	}
	if night.Events[0].Visibility != VisibilityResolved {
		t.Errorf("night deaths should stay hidden until the night closes, got %s", night.Events[0].Visibility)
	}

	day, err := applyDeaths(r, rules, []Death{{PlayerID: 3, Cause: CauseAssassination, SourceID: 1}}, 2, PhaseDay)
	if err != nil {
		t.Fatalf("applyDeaths: %v", err)
	}
	ev := day.Events[0]
	if ev.Visibility != VisibilityPublic || ev.Cause != CauseMystery || ev.ActorID != 0 {
		t.Errorf("assassination must be announced without its author, got %+v", ev)
	}
	if day.Roster[3].DeathCause != CauseAssassination {
		t.Errorf("the real cause stays on the player, got %q", day.Roster[3].DeathCause)
	}
}

func TestCascadeUnknownPlayerIsEngineFault(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleVillager)

	_, err := applyDeaths(r, rules, []Death{{PlayerID: 42, Cause: CauseWolves}}, 1, PhaseNight)
	if !errors.Is(err, ErrEngineFault) {
		t.Errorf("expected ErrEngineFault, got %v", err)
	}
}

func TestCascadeInvariantsRejectHalfDeadPair(t *testing.T) {
	rules := testRules(t)
	r := rosterOf(t, rules, RoleVillager, RoleVillager)
	p1, p2 := r[1], r[2]
	p1.BondPartnerID, p2.BondPartnerID = 2, 1
	p2.IsAlive, p2.DeathCause = false, CauseWolves
	r[1], r[2] = p1, p2

	err := checkCascadeInvariants(cascadeResult{Roster: r})
	if !errors.Is(err, ErrEngineFault) {
		t.Errorf("expected ErrEngineFault for a living partner of a dead player, got %v", err)
	}
}
