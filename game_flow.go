package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// OutcomeObserver is notified after a resolution has been committed.
type OutcomeObserver interface {
	OnOutcome(outcome *Outcome)
}

// PhaseCoordinator owns phase resolution. Every state change of a running
// game goes through it, serialized per game, inside one transaction that
// first claims the phase instance with a compare-and-set on
// (phase_seq, resolution_state). Whoever loses the claim gets
// ErrAlreadyResolved and nothing is written.
type PhaseCoordinator struct {
	db        *sqlx.DB
	rules     *Ruleset
	Ledger    *ActionLedger
	locks     *gameLocks
	observers []OutcomeObserver
	now       func() time.Time
}

type ResolveRequest struct {
	GameID   int64 `json:"game_id"`
	PhaseSeq int   `json:"phase_seq"` // the instance the caller expects to close
	Force    bool  `json:"force"`     // resolve even if not everyone acted
}

func newPhaseCoordinator(db *sqlx.DB, rules *Ruleset) *PhaseCoordinator {
	pc := &PhaseCoordinator{
		db:    db,
		rules: rules,
		locks: newGameLocks(),
		now:   time.Now,
	}
	pc.Ledger = &ActionLedger{db: db, rules: rules, coord: pc, now: func() time.Time { return pc.now() }}
	return pc
}

func (pc *PhaseCoordinator) Subscribe(obs OutcomeObserver) {
	pc.observers = append(pc.observers, obs)
}

func (pc *PhaseCoordinator) publish(out *Outcome) {
	for _, obs := range pc.observers {
		obs.OnOutcome(out)
	}
}

// gameLocks hands out one mutex per game.
type gameLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newGameLocks() *gameLocks {
	return &gameLocks{locks: make(map[int64]*sync.Mutex)}
}

func (gl *gameLocks) lock(gameID int64) func() {
	gl.mu.Lock()
	m, ok := gl.locks[gameID]
	if !ok {
		m = &sync.Mutex{}
		gl.locks[gameID] = m
	}
	gl.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func isResolvable(phase string) bool {
	return phase == PhaseNight || phase == PhaseDay || phase == PhaseCouncil
}

// withTx runs fn in one transaction while holding the game's lock. The lock
// is released on return, so observers are published to without it.
func (pc *PhaseCoordinator) withTx(ctx context.Context, gameID int64, fn func(tx *sqlx.Tx) error) error {
	unlock := pc.locks.lock(gameID)
	defer unlock()

	tx, err := pc.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logError("withTx: rollback", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// claimPhase moves the phase instance expectedSeq from open to resolving.
func claimPhase(ctx context.Context, tx *sqlx.Tx, gameID int64, expectedSeq int) (Game, error) {
	if expectedSeq <= 0 {
		return Game{}, ErrPhaseSeqRequired
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE game SET resolution_state = 'resolving'
		WHERE rowid = ? AND resolution_state = 'open' AND phase IN ('nuit', 'jour', 'conseil')
			AND phase_seq = ?`,
		gameID, expectedSeq)
	if err != nil {
		return Game{}, fmt.Errorf("claim phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Game{}, err
	}
	game, err := getGame(ctx, tx, gameID)
	if err != nil {
		return game, err
	}
	if n == 0 {
		switch {
		case !isResolvable(game.Phase):
			return game, ErrNotResolvable
		case expectedSeq > game.PhaseSeq:
			return game, ErrStalePhase
		}
		return game, ErrAlreadyResolved
	}
	return game, nil
}

// Resolve closes the current phase instance exactly once. Without Force it
// refuses while required players have not acted.
func (pc *PhaseCoordinator) Resolve(ctx context.Context, req ResolveRequest) (*Outcome, error) {
	if req.PhaseSeq <= 0 {
		return nil, ErrPhaseSeqRequired
	}
	if !req.Force {
		st, err := pc.Ledger.Status(ctx, req.GameID)
		if err != nil {
			return nil, err
		}
		if req.PhaseSeq == st.PhaseSeq && st.ResolutionState == ResolutionOpen && isResolvable(st.Phase) && !st.CanResolve {
			return nil, fmt.Errorf("%w (%d/%d)", ErrParticipationIncomplete, st.Submitted, st.Required)
		}
	}

	var out *Outcome
	err := pc.withTx(ctx, req.GameID, func(tx *sqlx.Tx) error {
		game, err := claimPhase(ctx, tx, req.GameID, req.PhaseSeq)
		if err != nil {
			return err
		}
		switch game.Phase {
		case PhaseNight:
			out, err = pc.resolveNightTx(ctx, tx, game)
		case PhaseDay:
			out, err = pc.closeDayTx(ctx, tx, game)
		case PhaseCouncil:
			out, err = pc.resolveCouncilTx(ctx, tx, game)
		}
		if err != nil {
			return err
		}
		out.ResolutionID = uuid.NewString()
		return recordPhaseResolution(ctx, tx, game.ID, game.PhaseSeq, out.ResolutionID)
	})
	if err != nil {
		if errors.Is(err, ErrEngineFault) {
			logError("Resolve", err)
			LogDBState("after engine fault")
		}
		return nil, err
	}

	log.Printf("Game %d: resolved %s (seq %d) -> %s, %d death(s)", out.GameID, out.Phase, out.PhaseSeq, out.NextPhase, len(out.Deaths))
	LogDBState("after resolution")
	pc.publish(out)
	return out, nil
}

// SkipNight closes a night without applying any recorded action. It still
// goes through the claim, and the win check still runs.
func (pc *PhaseCoordinator) SkipNight(ctx context.Context, gameID int64, phaseSeq int) (*Outcome, error) {
	var out *Outcome
	err := pc.withTx(ctx, gameID, func(tx *sqlx.Tx) error {
		game, err := claimPhase(ctx, tx, gameID, phaseSeq)
		if err != nil {
			return err
		}
		if game.Phase != PhaseNight {
			return ErrNotResolvable
		}
		players, err := getPlayersByGameId(ctx, tx, game.ID)
		if err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, []EventRecord{{
			GameID: game.ID, PhaseSeq: game.PhaseSeq, Phase: game.Phase,
			Type: EventNightSkipped, Visibility: VisibilityPublic,
		}}); err != nil {
			return err
		}
		out = &Outcome{GameID: game.ID, Phase: game.Phase, PhaseSeq: game.PhaseSeq, Skipped: true, Deaths: []DeathReport{}}
		if err := pc.settle(ctx, tx, game, newRoster(players), out, PhaseDay); err != nil {
			return err
		}
		out.ResolutionID = uuid.NewString()
		return recordPhaseResolution(ctx, tx, game.ID, game.PhaseSeq, out.ResolutionID)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Game %d: night %d skipped", gameID, out.PhaseSeq)
	pc.publish(out)
	return out, nil
}

func (pc *PhaseCoordinator) resolveNightTx(ctx context.Context, tx *sqlx.Tx, game Game) (*Outcome, error) {
	players, err := getPlayersByGameId(ctx, tx, game.ID)
	if err != nil {
		return nil, err
	}
	actions, err := getActions(ctx, tx, game.ID, game.PhaseSeq)
	if err != nil {
		return nil, err
	}
	uses, err := getPowerUses(ctx, tx, game.ID)
	if err != nil {
		return nil, err
	}

	before := newRoster(players)
	res, err := resolveNight(NightInput{
		GameID:   game.ID,
		PhaseSeq: game.PhaseSeq,
		Roster:   before,
		Rules:    pc.rules,
		Actions:  actions,
		Uses:     uses,
	})
	if err != nil {
		return nil, err
	}
	if err := pc.persist(ctx, tx, game, before, res.Roster, res.Applied, res.Events, res.Triggers); err != nil {
		return nil, err
	}

	out := &Outcome{
		GameID:          game.ID,
		Phase:           game.Phase,
		PhaseSeq:        game.PhaseSeq,
		Deaths:          deathReports(res.Roster, res.Deaths),
		Transformations: res.Transformations,
		NoAttack:        res.NoAttack,
		AttackSaved:     res.AttackSaved,
	}
	return out, pc.settle(ctx, tx, game, res.Roster, out, PhaseDay)
}

func (pc *PhaseCoordinator) closeDayTx(ctx context.Context, tx *sqlx.Tx, game Game) (*Outcome, error) {
	players, err := getPlayersByGameId(ctx, tx, game.ID)
	if err != nil {
		return nil, err
	}
	out := &Outcome{GameID: game.ID, Phase: game.Phase, PhaseSeq: game.PhaseSeq, Deaths: []DeathReport{}}
	return out, pc.settle(ctx, tx, game, newRoster(players), out, PhaseCouncil)
}

func (pc *PhaseCoordinator) resolveCouncilTx(ctx context.Context, tx *sqlx.Tx, game Game) (*Outcome, error) {
	players, err := getPlayersByGameId(ctx, tx, game.ID)
	if err != nil {
		return nil, err
	}
	votes, err := getVotes(ctx, tx, game.ID, game.PhaseSeq)
	if err != nil {
		return nil, err
	}
	uses, err := getPowerUses(ctx, tx, game.ID)
	if err != nil {
		return nil, err
	}
	// Day powers may be activated during jour or conseil.
	var dayActions []ActionRecord
	for _, seq := range []int{game.PhaseSeq - 1, game.PhaseSeq} {
		actions, err := getActions(ctx, tx, game.ID, seq)
		if err != nil {
			return nil, err
		}
		for _, a := range actions {
			if pd, ok := pc.rules.Powers[a.PowerID]; ok && pd.Timing == TimingDay {
				dayActions = append(dayActions, a)
			}
		}
	}

	before := newRoster(players)
	res, err := resolveCouncil(CouncilInput{
		GameID:   game.ID,
		PhaseSeq: game.PhaseSeq,
		Roster:   before,
		Rules:    pc.rules,
		Votes:    votes,
		Actions:  dayActions,
		Uses:     uses,
	})
	if err != nil {
		return nil, err
	}
	if err := pc.persist(ctx, tx, game, before, res.Roster, res.Applied, res.Events, res.Triggers); err != nil {
		return nil, err
	}

	out := &Outcome{
		GameID:       game.ID,
		Phase:        game.Phase,
		PhaseSeq:     game.PhaseSeq,
		Deaths:       deathReports(res.Roster, res.Deaths),
		Eliminated:   res.Eliminated,
		Tally:        res.Tally,
		Tie:          res.Tie,
		NoVotes:      res.NoVotes,
		ImmunityUsed: res.ImmunityUsed,
	}
	return out, pc.settle(ctx, tx, game, res.Roster, out, PhaseNight)
}

// persist writes a resolver's result. A usage cap that no longer holds at
// write time means the snapshot was inconsistent, which is a fault.
func (pc *PhaseCoordinator) persist(ctx context.Context, tx *sqlx.Tx, game Game, before, after Roster,
	applied []appliedPower, events []EventRecord, triggers []PendingTrigger) error {
	if err := savePlayers(ctx, tx, before, after); err != nil {
		return err
	}
	for _, ap := range applied {
		ok, err := claimPowerUse(ctx, tx, game.ID, ap.PlayerID, ap.Power)
		if err != nil {
			return err
		}
		if !ok {
			return engineFault("%s of player %d over its cap", ap.Power.ID, ap.PlayerID)
		}
	}
	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}
	return insertTriggers(ctx, tx, triggers)
}

// settle decides what follows a resolution: wait for pending revenge shots,
// end the game, move on to next, or (next == "") reopen the current phase.
func (pc *PhaseCoordinator) settle(ctx context.Context, tx *sqlx.Tx, game Game, roster Roster, out *Outcome, next string) error {
	revenge, err := getPendingTriggers(ctx, tx, game.ID, TriggerRevenge)
	if err != nil {
		return err
	}
	if len(revenge) > 0 {
		_, err := tx.ExecContext(ctx, `
			UPDATE game SET resolution_state = 'pending', pending_next_phase = ? WHERE rowid = ?`,
			next, game.ID)
		if err != nil {
			return err
		}
		for _, tr := range revenge {
			out.AwaitingRevenge = append(out.AwaitingRevenge, tr.PlayerID)
		}
		log.Printf("Game %d: waiting on %d revenge shot(s)", game.ID, len(revenge))
		return nil
	}

	if winner := evaluateWin(roster, pc.rules); winner != "" {
		return pc.finish(ctx, tx, game, winner, out)
	}

	if next == "" {
		_, err := tx.ExecContext(ctx, `
			UPDATE game SET resolution_state = 'open', pending_next_phase = '' WHERE rowid = ?`, game.ID)
		out.NextPhase = game.Phase
		out.NextPhaseSeq = game.PhaseSeq
		return err
	}
	return pc.transition(ctx, tx, game, next, out)
}

func (pc *PhaseCoordinator) transition(ctx context.Context, tx *sqlx.Tx, game Game, next string, out *Outcome) error {
	seq := game.PhaseSeq + 1
	dayCount, nightCount := game.DayCount, game.NightCount
	if next == PhaseNight {
		nightCount++
		if game.Phase == PhaseCouncil {
			dayCount++
		}
	}
	var deadline *time.Time
	if d := game.settings().phaseDuration(next); d > 0 {
		t := pc.now().Add(d).UTC()
		deadline = &t
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE game SET phase = ?, phase_seq = ?, resolution_state = 'open', pending_next_phase = '',
			phase_deadline = ?, day_count = ?, night_count = ?
		WHERE rowid = ?`,
		next, seq, deadline, dayCount, nightCount, game.ID)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", next, err)
	}
	if err := recordPhaseStart(ctx, tx, game.ID, seq, next, pc.now().UTC()); err != nil {
		return err
	}
	if err := insertEvents(ctx, tx, []EventRecord{{
		GameID: game.ID, PhaseSeq: seq, Phase: next, Type: EventPhaseChange,
		Visibility: VisibilityPublic, Detail: next,
	}}); err != nil {
		return err
	}
	out.NextPhase = next
	out.NextPhaseSeq = seq

	if next != PhaseNight {
		return nil
	}
	roster, flipped, err := pc.applyTransformations(ctx, tx, game.ID, seq, out)
	if err != nil || !flipped {
		return err
	}
	// A flip can hand the wolves the majority before the night is played.
	if winner := evaluateWin(roster, pc.rules); winner != "" {
		opened := game
		opened.Phase = next
		opened.PhaseSeq = seq
		return pc.finish(ctx, tx, opened, winner, out)
	}
	return nil
}

// applyTransformations turns wild children whose model died into wolves at
// the start of the night. It returns the roster after the flips and whether
// anyone changed side.
func (pc *PhaseCoordinator) applyTransformations(ctx context.Context, tx *sqlx.Tx, gameID int64, seq int, out *Outcome) (Roster, bool, error) {
	triggers, err := getPendingTriggers(ctx, tx, gameID, TriggerTransform)
	if err != nil || len(triggers) == 0 {
		return nil, false, err
	}
	players, err := getPlayersByGameId(ctx, tx, gameID)
	if err != nil {
		return nil, false, err
	}
	before := newRoster(players)
	after := before.clone()
	var events []EventRecord
	for _, tr := range triggers {
		p, ok := after[tr.PlayerID]
		if !ok || !p.IsAlive || p.Transformed {
			if err := setTriggerStatus(ctx, tx, tr.ID, TriggerSkipped); err != nil {
				return nil, false, err
			}
			continue
		}
		from := p.Team
		p.TeamOverride = TeamWolves
		p.Team = TeamWolves
		p.Transformed = true
		after[p.PlayerID] = p
		out.Transformations = append(out.Transformations, Transformation{PlayerID: p.PlayerID, Kind: EventTransformation, From: from, To: TeamWolves})
		events = append(events,
			EventRecord{GameID: gameID, PhaseSeq: seq, Phase: PhaseNight, Type: EventTransformation,
				ActorID: p.PlayerID, TargetID: p.PlayerID, Visibility: VisibilityActor, Detail: TeamWolves},
			EventRecord{GameID: gameID, PhaseSeq: seq, Phase: PhaseNight, Type: EventTransformation,
				TargetID: p.PlayerID, Visibility: VisibilityTeamWolves, Detail: p.Name},
		)
		if err := setTriggerStatus(ctx, tx, tr.ID, TriggerDone); err != nil {
			return nil, false, err
		}
		log.Printf("Game %d: %s joins the wolves", gameID, p.Name)
	}
	if err := savePlayers(ctx, tx, before, after); err != nil {
		return nil, false, err
	}
	if err := insertEvents(ctx, tx, events); err != nil {
		return nil, false, err
	}
	return after, len(events) > 0, nil
}

func (pc *PhaseCoordinator) finish(ctx context.Context, tx *sqlx.Tx, game Game, winner string, out *Outcome) error {
	seq := game.PhaseSeq + 1
	_, err := tx.ExecContext(ctx, `
		UPDATE game SET phase = ?, phase_seq = ?, resolution_state = 'open', pending_next_phase = '',
			phase_deadline = NULL, winner = ?
		WHERE rowid = ?`,
		PhaseFinished, seq, winner, game.ID)
	if err != nil {
		return fmt.Errorf("finish game: %w", err)
	}
	if err := recordPhaseStart(ctx, tx, game.ID, seq, PhaseFinished, pc.now().UTC()); err != nil {
		return err
	}
	if err := insertEvents(ctx, tx, []EventRecord{{
		GameID: game.ID, PhaseSeq: seq, Phase: PhaseFinished, Type: EventVictory,
		Visibility: VisibilityPublic, Detail: winner,
	}}); err != nil {
		return err
	}
	out.Winner = winner
	out.NextPhase = PhaseFinished
	out.NextPhaseSeq = seq
	log.Printf("Game %d finished, winner: %s", game.ID, winner)
	return nil
}

// ApplyImmediate resolves a power that takes effect on submission, such as
// the assassin's kill. The cap is claimed in the same transaction, so of two
// concurrent uses of a single-use power exactly one succeeds.
func (pc *PhaseCoordinator) ApplyImmediate(ctx context.Context, rec ActionRecord) (*Outcome, error) {
	power, ok := pc.rules.Powers[rec.PowerID]
	if !ok || !power.Immediate {
		return nil, reject(ReasonUnknownPower, "%q is not an immediate power", rec.PowerID)
	}

	var out *Outcome
	err := pc.withTx(ctx, rec.GameID, func(tx *sqlx.Tx) error {
		game, err := getGame(ctx, tx, rec.GameID)
		if err != nil {
			return err
		}
		if game.PhaseSeq != rec.PhaseSeq || game.ResolutionState != ResolutionOpen {
			return ErrStalePhase
		}
		claimed, err := claimPowerUse(ctx, tx, game.ID, rec.PlayerID, power)
		if err != nil {
			return err
		}
		if !claimed {
			return reject(ReasonPowerExhausted, "%s already used", power.ID)
		}

		players, err := getPlayersByGameId(ctx, tx, game.ID)
		if err != nil {
			return err
		}
		before := newRoster(players)
		if !before.isAlive(rec.PlayerID) {
			return reject(ReasonNotAlive, "player %d is dead", rec.PlayerID)
		}
		if !before.isAlive(rec.TargetID) {
			return reject(ReasonInvalidTarget, "player %d cannot be targeted", rec.TargetID)
		}

		var deaths []Death
		switch power.Effect {
		case EffectSilentKill:
			deaths = []Death{{PlayerID: rec.TargetID, Cause: CauseAssassination, SourceID: rec.PlayerID}}
		default:
			return engineFault("no immediate handler for %s", power.Effect)
		}

		cascade, err := applyDeaths(before, pc.rules, deaths, game.PhaseSeq, game.Phase)
		if err != nil {
			return err
		}
		events := append([]EventRecord{{
			GameID: game.ID, PhaseSeq: game.PhaseSeq, Phase: game.Phase, Type: EventAssassination,
			ActorID: rec.PlayerID, TargetID: rec.TargetID, Cause: CauseAssassination, Visibility: VisibilitySecret,
		}}, cascade.Events...)
		if err := pc.persist(ctx, tx, game, before, cascade.Roster, nil, events, cascade.Triggers); err != nil {
			return err
		}

		out = &Outcome{
			GameID:   game.ID,
			Phase:    game.Phase,
			PhaseSeq: game.PhaseSeq,
			Deaths:   deathReports(cascade.Roster, cascade.Deaths),
		}
		return pc.settle(ctx, tx, game, cascade.Roster, out, "")
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Game %d: immediate %s by %d on %d", rec.GameID, rec.PowerID, rec.PlayerID, rec.TargetID)
	pc.publish(out)
	return out, nil
}

// TakeRevengeShot fires a dead player's pending revenge. Once no revenge is
// pending, the win check runs and the held transition completes.
func (pc *PhaseCoordinator) TakeRevengeShot(ctx context.Context, gameID, shooterID, targetID int64) (*Outcome, error) {
	var out *Outcome
	err := pc.withTx(ctx, gameID, func(tx *sqlx.Tx) error {
		game, tr, err := pendingRevengeFor(ctx, tx, gameID, shooterID)
		if err != nil {
			return err
		}
		players, err := getPlayersByGameId(ctx, tx, game.ID)
		if err != nil {
			return err
		}
		before := newRoster(players)
		if targetID == shooterID {
			return reject(ReasonSelfTarget, "cannot shoot yourself")
		}
		if !before.isAlive(targetID) {
			return reject(ReasonInvalidTarget, "player %d cannot be targeted", targetID)
		}
		power, ok := pc.rules.holds(before[shooterID], EffectRevengeShot)
		if !ok {
			return ErrNoPendingRevenge
		}
		claimed, err := claimPowerUse(ctx, tx, game.ID, shooterID, power)
		if err != nil {
			return err
		}
		if !claimed {
			return reject(ReasonPowerExhausted, "%s already used", power.ID)
		}

		cascade, err := applyDeaths(before, pc.rules,
			[]Death{{PlayerID: targetID, Cause: CauseRevenge, SourceID: shooterID}}, game.PhaseSeq, game.Phase)
		if err != nil {
			return err
		}
		events := append([]EventRecord{{
			GameID: game.ID, PhaseSeq: game.PhaseSeq, Phase: game.Phase, Type: EventRevengeShot,
			ActorID: shooterID, TargetID: targetID, Cause: CauseRevenge, Visibility: VisibilityPublic,
			Detail: before[targetID].Name,
		}}, cascade.Events...)
		if err := pc.persist(ctx, tx, game, before, cascade.Roster, nil, events, cascade.Triggers); err != nil {
			return err
		}
		if err := setTriggerStatus(ctx, tx, tr.ID, TriggerDone); err != nil {
			return err
		}

		out = &Outcome{
			GameID:   game.ID,
			Phase:    game.Phase,
			PhaseSeq: game.PhaseSeq,
			Deaths:   deathReports(cascade.Roster, cascade.Deaths),
		}
		return pc.settleTrigger(ctx, tx, game, cascade.Roster, out)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Game %d: %d took their revenge on %d", gameID, shooterID, targetID)
	pc.publish(out)
	return out, nil
}

// SkipRevenge gives up a pending revenge shot, typically on timeout.
func (pc *PhaseCoordinator) SkipRevenge(ctx context.Context, gameID, shooterID int64) (*Outcome, error) {
	var out *Outcome
	err := pc.withTx(ctx, gameID, func(tx *sqlx.Tx) error {
		game, tr, err := pendingRevengeFor(ctx, tx, gameID, shooterID)
		if err != nil {
			return err
		}
		if err := setTriggerStatus(ctx, tx, tr.ID, TriggerSkipped); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, []EventRecord{{
			GameID: game.ID, PhaseSeq: game.PhaseSeq, Phase: game.Phase, Type: EventRevengeSkipped,
			ActorID: shooterID, Visibility: VisibilityPublic,
		}}); err != nil {
			return err
		}
		players, err := getPlayersByGameId(ctx, tx, game.ID)
		if err != nil {
			return err
		}
		out = &Outcome{GameID: game.ID, Phase: game.Phase, PhaseSeq: game.PhaseSeq, Deaths: []DeathReport{}}
		return pc.settleTrigger(ctx, tx, game, newRoster(players), out)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Game %d: revenge of %d skipped", gameID, shooterID)
	pc.publish(out)
	return out, nil
}

func pendingRevengeFor(ctx context.Context, tx *sqlx.Tx, gameID, shooterID int64) (Game, PendingTrigger, error) {
	game, err := getGame(ctx, tx, gameID)
	if err != nil {
		return game, PendingTrigger{}, err
	}
	triggers, err := getPendingTriggers(ctx, tx, gameID, TriggerRevenge)
	if err != nil {
		return game, PendingTrigger{}, err
	}
	for _, tr := range triggers {
		if tr.PlayerID == shooterID {
			return game, tr, nil
		}
	}
	return game, PendingTrigger{}, ErrNoPendingRevenge
}

// settleTrigger resumes the transition held by a pending phase, or reopens
// the phase when the revenge came from an immediate power.
func (pc *PhaseCoordinator) settleTrigger(ctx context.Context, tx *sqlx.Tx, game Game, roster Roster, out *Outcome) error {
	next := ""
	if game.ResolutionState == ResolutionPending {
		next = game.PendingNextPhase
	}
	return pc.settle(ctx, tx, game, roster, out, next)
}
