package main

import (
	"errors"
	"testing"

	"golang.org/x/sync/errgroup"
)

func expectReject(t *testing.T, err error, reason RejectReason) {
	t.Helper()
	if got := rejectReason(err); got != reason {
		t.Errorf("expected rejection %q, got %v", reason, err)
	}
}

func TestSubmitRejections(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.cleanup()

	ctx.logger.Debug("=== Testing submission validation ===")

	// P1 wolf, P2 seer, P3 guard, P4 witch, P5..P6 villagers
	g := ctx.newGame(RoleWerewolf, RoleSeer, RoleGuard, RoleWitch, RoleVillager, RoleVillager)

	_, err := g.submit(1, "pouvoir_inconnu", 0)
	expectReject(t, err, ReasonUnknownPower)

	_, err = g.submit(4, "voyance", 0)
	expectReject(t, err, ReasonNotAllowed)

	_, err = g.submit(1, "voyance", 1)
	expectReject(t, err, ReasonSelfTarget)

	_, err = g.submit(1, "voyance")
	expectReject(t, err, ReasonInvalidTarget)

	_, err = g.submit(0, "loup_attaque", 0)
	expectReject(t, err, ReasonSelfTarget)

	_, err = g.submit(3, "potion_vie", 0, 1)
	expectReject(t, err, ReasonInvalidTarget)

	_, err = g.submit(3, "double_vote")
	expectReject(t, err, ReasonNotAllowed)

	_, err = ctx.server.coord.Ledger.Submit(ctx.ctx, SubmitRequest{
		GameID: g.id, PlayerID: g.ids[1], PhaseSeq: 7, PowerID: "voyance", TargetIDs: g.targets(0),
	})
	if !errors.Is(err, ErrStalePhase) {
		t.Errorf("expected ErrStalePhase, got %v", err)
	}

	outsider, err := ensurePlayer(ctx.ctx, ctx.db, "Outsider")
	if err != nil {
		t.Fatal(err)
	}
	_, err = ctx.server.coord.Ledger.Submit(ctx.ctx, SubmitRequest{
		GameID: g.id, PlayerID: outsider, PhaseSeq: 1, PowerID: "voyance", TargetIDs: g.targets(0),
	})
	expectReject(t, err, ReasonNotInGame)

	actions, err := getActions(ctx.ctx, ctx.db, g.id, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 {
		ctx.logger.LogDB("FAIL: rejected submissions persisted")
		t.Errorf("rejected submissions must not be recorded, got %+v", actions)
	}

	ctx.logger.Debug("=== Test passed ===")
}

func TestSubmitBeforeStartIsWrongPhase(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.cleanup()

	gameID, err := createGame(ctx.ctx, ctx.db, ctx.server.rules, GameSettings{Roles: map[string]int{RoleSeer: 1}})
	if err != nil {
		t.Fatal(err)
	}
	playerID, _ := ensurePlayer(ctx.ctx, ctx.db, "Early")
	if err := joinGame(ctx.ctx, ctx.db, gameID, playerID); err != nil {
		t.Fatal(err)
	}

	_, err = ctx.server.coord.Ledger.Submit(ctx.ctx, SubmitRequest{GameID: gameID, PlayerID: playerID, PowerID: "voyance"})
	expectReject(t, err, ReasonWrongPhase)
}

func TestSubmitTimingDeadActorAndCap(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.cleanup()

	// P1 wolf, P2 seer, P3 witch, P4..P6 villagers
	g := ctx.newGame(RoleWerewolf, RoleSeer, RoleWitch, RoleVillager, RoleVillager, RoleVillager)

	g.mustSubmit(0, "loup_attaque", 1)
	g.mustSubmit(2, "potion_mort", 3)
	g.resolve()

	if g.alive(1) || g.alive(3) {
		t.Fatal("P2 and P4 should have died during the night")
	}

	// jour: night powers are out of their window
	_, err := g.submit(2, "potion_vie", 4)
	expectReject(t, err, ReasonWrongPhase)

	g.resolve() // jour -> conseil
	g.resolve() // conseil, no votes -> nuit
	if game := g.game(); game.Phase != PhaseNight || game.PhaseSeq != 4 {
		t.Fatalf("expected night at seq 4, got %s/%d", game.Phase, game.PhaseSeq)
	}

	_, err = g.submit(1, "voyance", 0)
	expectReject(t, err, ReasonNotAlive)

	_, err = g.submit(2, "potion_mort", 4)
	expectReject(t, err, ReasonPowerExhausted)

	_, err = g.submit(0, "loup_attaque", 3)
	expectReject(t, err, ReasonInvalidTarget)
}

func TestSubmitReplacesEarlierChoice(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.cleanup()

	g := ctx.newGame(RoleWerewolf, RoleVillager, RoleVillager, RoleVillager)
	g.mustSubmit(0, "loup_attaque", 1)
	g.mustSubmit(0, "loup_attaque", 2)

	actions, err := getActions(ctx.ctx, ctx.db, g.id, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].TargetID != g.ids[2] {
		t.Errorf("expected a single action on P3, got %+v", actions)
	}
}

func TestGuardCannotProtectSamePlayerTwiceInARow(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.cleanup()

	g := ctx.newGame(RoleWerewolf, RoleGuard, RoleVillager, RoleVillager, RoleVillager)
	g.mustSubmit(1, "protection", 2)
	g.resolve()
	g.resolve()
	g.resolve()

	_, err := g.submit(1, "protection", 2)
	expectReject(t, err, ReasonInvalidTarget)

	g.mustSubmit(1, "protection", 3)
}

func TestStatusCountsRequiredNightActors(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.cleanup()

	// Villagers and the mayor owe nothing at night.
	g := ctx.newGame(RoleWerewolf, RoleSeer, RoleGuard, RoleVillager, RoleMayor, RoleVillager)

	st, err := ctx.server.coord.Ledger.Status(ctx.ctx, g.id)
	if err != nil {
		t.Fatal(err)
	}
	if st.Required != 3 || st.Submitted != 0 || st.CanResolve {
		t.Errorf("expected 0/3, got %+v", st)
	}

	_, err = ctx.server.coord.Resolve(ctx.ctx, ResolveRequest{GameID: g.id, PhaseSeq: 1})
	if !errors.Is(err, ErrParticipationIncomplete) {
		t.Errorf("expected ErrParticipationIncomplete, got %v", err)
	}

	g.mustSubmit(0, "loup_attaque", 3)
	g.mustSubmit(1, "voyance", 0)
	g.mustSubmit(2, "protection", 3)

	st, err = ctx.server.coord.Ledger.Status(ctx.ctx, g.id)
	if err != nil {
		t.Fatal(err)
	}
	if st.Submitted != 3 || !st.CanResolve {
		t.Errorf("expected 3/3, got %+v", st)
	}

	out, err := ctx.server.coord.Resolve(ctx.ctx, ResolveRequest{GameID: g.id, PhaseSeq: 1})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(out.Deaths) != 0 || !out.AttackSaved {
		t.Errorf("the guard saved P4, got %+v", out)
	}
}

func TestVoteValidation(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.cleanup()

	g := ctx.newGame(RoleWerewolf, RoleVillager, RoleVillager, RoleVillager, RoleVillager)

	err := g.vote(1, 0)
	expectReject(t, err, ReasonWrongPhase)

	g.mustSubmit(0, "loup_attaque", 4)
	g.toCouncil()

	expectReject(t, g.vote(1, 1), ReasonSelfTarget)
	expectReject(t, g.vote(4, 0), ReasonNotAlive)
	expectReject(t, g.vote(1, 4), ReasonInvalidTarget)

	g.mustVote(1, 0)
	g.mustVote(1, 2)
	votes, err := getVotes(ctx.ctx, ctx.db, g.id, g.game().PhaseSeq)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 1 || votes[0].TargetID != g.ids[2] {
		t.Errorf("a new vote replaces the previous one, got %+v", votes)
	}

	st, err := ctx.server.coord.Ledger.Status(ctx.ctx, g.id)
	if err != nil {
		t.Fatal(err)
	}
	if st.Required != 4 || st.Submitted != 1 {
		t.Errorf("expected 1/4 voters, got %+v", st)
	}
}

func TestMayorVoteStoredWithDoubleWeight(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.cleanup()

	g := ctx.newGame(RoleWerewolf, RoleMayor, RoleVillager, RoleVillager, RoleVillager)
	g.toCouncil()
	g.mustVote(1, 0)

	votes, err := getVotes(ctx.ctx, ctx.db, g.id, g.game().PhaseSeq)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 1 || votes[0].Weight != 2 {
		t.Errorf("expected weight 2, got %+v", votes)
	}
}

// Two simultaneous uses of a single-use immediate power: exactly one lands.
func TestConcurrentImmediatePowerRespectsCap(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.cleanup()

	g := ctx.newGame(RoleAssassin, RoleWerewolf, RoleVillager, RoleVillager, RoleVillager, RoleVillager)

	results := make([]error, 2)
	var eg errgroup.Group
	for i, target := range []int{2, 3} {
		eg.Go(func() error {
			_, results[i] = g.submit(0, "assassinat", target)
			return nil
		})
	}
	eg.Wait()

	succeeded := 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case rejectReason(err) != ReasonPowerExhausted:
			t.Errorf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one assassination, got %d (%v)", succeeded, results)
	}
	if g.alive(2) == g.alive(3) {
		t.Error("exactly one of the targets should be dead")
	}

	uses, err := getPowerUses(ctx.ctx, ctx.db, g.id)
	if err != nil {
		t.Fatal(err)
	}
	if uses[useKey{g.ids[0], "assassinat"}] != 1 {
		t.Errorf("expected one recorded use, got %v", uses)
	}
	if game := g.game(); game.PhaseSeq != 1 || game.ResolutionState != ResolutionOpen {
		t.Errorf("an immediate power does not close the phase, got %+v", game)
	}
}

func TestQueryFiltersByPower(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.cleanup()

	g := ctx.newGame(RoleWerewolf, RoleWerewolf, RoleSeer, RoleVillager, RoleVillager)
	g.mustSubmit(1, "loup_attaque", 3)
	g.mustSubmit(0, "loup_attaque", 4)
	g.mustSubmit(2, "voyance", 0)

	attacks, err := ctx.server.coord.Ledger.Query(ctx.ctx, g.id, 1, "loup_attaque")
	if err != nil {
		t.Fatal(err)
	}
	if len(attacks) != 2 || attacks[0].PlayerID != g.ids[0] || attacks[1].PlayerID != g.ids[1] {
		t.Errorf("expected both wolves ordered by player, got %+v", attacks)
	}

	all, err := ctx.server.coord.Ledger.Query(ctx.ctx, g.id, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 pending actions, got %d", len(all))
	}

	g.resolve()
	stale, err := ctx.server.coord.Ledger.Query(ctx.ctx, g.id, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("a new phase starts with an empty ledger, got %+v", stale)
	}
}

func TestQueryVotesReturnsCurrentCouncil(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.cleanup()

	g := ctx.newGame(RoleWerewolf, RoleMayor, RoleVillager, RoleVillager)
	g.toCouncil()
	g.mustVote(1, 0)
	g.mustVote(2, 0)

	votes, err := ctx.server.coord.Ledger.QueryVotes(ctx.ctx, g.id, g.game().PhaseSeq)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 2 {
		t.Fatalf("expected 2 votes, got %+v", votes)
	}
	for _, v := range votes {
		if v.TargetID != g.ids[0] {
			t.Errorf("unexpected target in %+v", v)
		}
		if v.VoterID == g.ids[1] && v.Weight != 2 {
			t.Errorf("the mayor's vote should weigh 2, got %d", v.Weight)
		}
	}

	earlier, err := ctx.server.coord.Ledger.QueryVotes(ctx.ctx, g.id, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(earlier) != 0 {
		t.Errorf("no votes were cast at night, got %+v", earlier)
	}
}
