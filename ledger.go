package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
)

// ActionLedger validates and records submissions for the open phase. A
// player's later submission for the same power in the same phase replaces
// the earlier one. Immediate and posthumous powers are handed to the
// coordinator instead of being recorded for the batch resolution.
type ActionLedger struct {
	db    *sqlx.DB
	rules *Ruleset
	coord *PhaseCoordinator
	now   func() time.Time
}

type SubmitRequest struct {
	GameID    int64   `json:"game_id"`
	PlayerID  int64   `json:"player_id"`
	PhaseSeq  int     `json:"phase_seq"`
	PowerID   string  `json:"power_id"`
	TargetIDs []int64 `json:"target_ids"`
}

type VoteRequest struct {
	GameID   int64 `json:"game_id"`
	VoterID  int64 `json:"voter_id"`
	PhaseSeq int   `json:"phase_seq"`
	TargetID int64 `json:"target_id"`
}

// PhaseStatus reports participation for the current phase instance.
type PhaseStatus struct {
	GameID          int64  `json:"game_id"`
	Phase           string `json:"phase"`
	PhaseSeq        int    `json:"phase_seq"`
	ResolutionState string `json:"resolution_state"`
	Submitted       int    `json:"submitted"`
	Required        int    `json:"required"`
	CanResolve      bool   `json:"can_resolve"`
}

// Submit validates a power use and records it. It returns a non-nil Outcome
// only when the power took effect right away (immediate or posthumous).
func (l *ActionLedger) Submit(ctx context.Context, req SubmitRequest) (*Outcome, error) {
	game, err := getGame(ctx, l.db, req.GameID)
	if err != nil {
		return nil, err
	}
	if game.Phase == PhaseLobby || game.Phase == PhaseFinished {
		return nil, reject(ReasonWrongPhase, "game is in %s", game.Phase)
	}

	power, ok := l.rules.Powers[req.PowerID]
	if !ok {
		return nil, reject(ReasonUnknownPower, "%q", req.PowerID)
	}

	actor, err := l.member(ctx, game.ID, req.PlayerID)
	if err != nil {
		return nil, err
	}

	if power.Posthumous {
		if actor.IsAlive {
			return nil, reject(ReasonNotAllowed, "%s can only be used after death", power.ID)
		}
		if len(req.TargetIDs) != 1 {
			return nil, reject(ReasonInvalidTarget, "%s needs exactly one target", power.ID)
		}
		return l.coord.TakeRevengeShot(ctx, game.ID, actor.PlayerID, req.TargetIDs[0])
	}

	if req.PhaseSeq != game.PhaseSeq || game.ResolutionState != ResolutionOpen {
		return nil, ErrStalePhase
	}
	if !actor.IsAlive {
		return nil, reject(ReasonNotAlive, "%s is dead", actor.Name)
	}
	if power.Passive || !l.rules.canUse(actor, power.ID) {
		return nil, reject(ReasonNotAllowed, "%s cannot use %s", actor.RoleName, power.ID)
	}
	if !power.allowsPhase(game.Phase) {
		return nil, reject(ReasonWrongPhase, "%s is not usable during %s", power.ID, game.Phase)
	}
	if power.UsageCap > 0 {
		uses, err := getPowerUses(ctx, l.db, game.ID)
		if err != nil {
			return nil, err
		}
		if uses[useKey{actor.PlayerID, power.ID}] >= power.UsageCap {
			return nil, reject(ReasonPowerExhausted, "%s already used", power.ID)
		}
	}
	if err := l.validateTargets(ctx, game, actor, power, req.TargetIDs); err != nil {
		return nil, err
	}

	rec := ActionRecord{
		GameID:      game.ID,
		PhaseSeq:    game.PhaseSeq,
		PlayerID:    actor.PlayerID,
		PowerID:     power.ID,
		SubmittedAt: l.now().UTC(),
	}
	if len(req.TargetIDs) > 0 {
		rec.TargetID = req.TargetIDs[0]
	}
	if len(req.TargetIDs) > 1 {
		rec.SecondTargetID = req.TargetIDs[1]
	}

	if power.Immediate {
		return l.coord.ApplyImmediate(ctx, rec)
	}

	// The EXISTS guard makes the write and the phase check one statement, so
	// a submission racing a resolution lands either before the claim or not
	// at all.
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO action_record (game_id, phase_seq, player_id, power_key, target_id, second_target_id, submitted_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM game WHERE rowid = ? AND phase_seq = ? AND resolution_state = 'open')
		ON CONFLICT(game_id, phase_seq, player_id, power_key)
		DO UPDATE SET target_id = excluded.target_id, second_target_id = excluded.second_target_id, submitted_at = excluded.submitted_at`,
		rec.GameID, rec.PhaseSeq, rec.PlayerID, rec.PowerID, rec.TargetID, rec.SecondTargetID, rec.SubmittedAt,
		rec.GameID, rec.PhaseSeq)
	if err != nil {
		return nil, fmt.Errorf("record action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrStalePhase
	}

	log.Printf("Game %d seq %d: %s used %s on %v", game.ID, game.PhaseSeq, actor.Name, power.ID, req.TargetIDs)
	DebugLog("Submit", "%s -> %s %v", actor.Name, power.ID, req.TargetIDs)
	return nil, nil
}

// SubmitVote records (or replaces) a council vote.
func (l *ActionLedger) SubmitVote(ctx context.Context, req VoteRequest) error {
	game, err := getGame(ctx, l.db, req.GameID)
	if err != nil {
		return err
	}
	if req.PhaseSeq != game.PhaseSeq || game.ResolutionState != ResolutionOpen {
		return ErrStalePhase
	}
	if game.Phase != PhaseCouncil {
		return reject(ReasonWrongPhase, "votes are only taken during %s", PhaseCouncil)
	}
	voter, err := l.member(ctx, game.ID, req.VoterID)
	if err != nil {
		return err
	}
	if !voter.IsAlive {
		return reject(ReasonNotAlive, "%s is dead", voter.Name)
	}
	if req.TargetID == req.VoterID {
		return reject(ReasonSelfTarget, "cannot vote for yourself")
	}
	target, err := getPlayerInGame(ctx, l.db, game.ID, req.TargetID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !target.IsAlive) {
		return reject(ReasonInvalidTarget, "player %d cannot be voted for", req.TargetID)
	}
	if err != nil {
		return err
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO vote_record (game_id, phase_seq, voter_id, target_id, weight, anonymous, submitted_at)
		SELECT ?, ?, ?, ?, ?, 1, ?
		WHERE EXISTS (SELECT 1 FROM game WHERE rowid = ? AND phase_seq = ? AND resolution_state = 'open')
		ON CONFLICT(game_id, phase_seq, voter_id)
		DO UPDATE SET target_id = excluded.target_id, weight = excluded.weight, submitted_at = excluded.submitted_at`,
		game.ID, game.PhaseSeq, voter.PlayerID, target.PlayerID, voteWeight(l.rules, voter), l.now().UTC(),
		game.ID, game.PhaseSeq)
	if err != nil {
		return fmt.Errorf("record vote: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStalePhase
	}

	log.Printf("Game %d council: %s votes against %s", game.ID, voter.Name, target.Name)
	return nil
}

// Status counts who has acted in the current phase against who is expected
// to. At night that is every living player holding an unspent night power;
// at council it is every living player.
func (l *ActionLedger) Status(ctx context.Context, gameID int64) (PhaseStatus, error) {
	game, err := getGame(ctx, l.db, gameID)
	if err != nil {
		return PhaseStatus{}, err
	}
	st := PhaseStatus{
		GameID:          game.ID,
		Phase:           game.Phase,
		PhaseSeq:        game.PhaseSeq,
		ResolutionState: game.ResolutionState,
	}

	players, err := getPlayersByGameId(ctx, l.db, game.ID)
	if err != nil {
		return st, err
	}
	roster := newRoster(players)

	switch game.Phase {
	case PhaseNight:
		uses, err := getPowerUses(ctx, l.db, game.ID)
		if err != nil {
			return st, err
		}
		actions, err := getActions(ctx, l.db, game.ID, game.PhaseSeq)
		if err != nil {
			return st, err
		}
		acted := make(map[int64]bool)
		for _, a := range actions {
			acted[a.PlayerID] = true
		}
		for _, p := range roster.alive() {
			if !l.owesNightAction(p, uses) {
				continue
			}
			st.Required++
			if acted[p.PlayerID] {
				st.Submitted++
			}
		}
	case PhaseCouncil:
		votes, err := getVotes(ctx, l.db, game.ID, game.PhaseSeq)
		if err != nil {
			return st, err
		}
		st.Required = len(roster.alive())
		for _, v := range votes {
			if roster.isAlive(v.VoterID) {
				st.Submitted++
			}
		}
	case PhaseDay:
	default:
		return st, nil
	}

	st.CanResolve = game.ResolutionState == ResolutionOpen && st.Submitted >= st.Required
	return st, nil
}

// Query lists the pending actions of one phase instance, optionally for a
// single power, ordered by player.
func (l *ActionLedger) Query(ctx context.Context, gameID int64, phaseSeq int, powerID string) ([]ActionRecord, error) {
	actions, err := getActions(ctx, l.db, gameID, phaseSeq)
	if err != nil || powerID == "" {
		return actions, err
	}
	var out []ActionRecord
	for _, a := range actions {
		if a.PowerID == powerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *ActionLedger) QueryVotes(ctx context.Context, gameID int64, phaseSeq int) ([]VoteRecord, error) {
	return getVotes(ctx, l.db, gameID, phaseSeq)
}

func (l *ActionLedger) owesNightAction(p Player, uses map[useKey]int) bool {
	for _, pd := range l.rules.powersFor(p) {
		if pd.Passive || pd.Immediate || pd.Posthumous || pd.Timing != TimingNight {
			continue
		}
		if pd.UsageCap > 0 && uses[useKey{p.PlayerID, pd.ID}] >= pd.UsageCap {
			continue
		}
		return true
	}
	return false
}

func (l *ActionLedger) member(ctx context.Context, gameID, playerID int64) (Player, error) {
	p, err := getPlayerInGame(ctx, l.db, gameID, playerID)
	if errors.Is(err, sql.ErrNoRows) {
		return p, reject(ReasonNotInGame, "player %d is not in game %d", playerID, gameID)
	}
	return p, err
}

func (l *ActionLedger) validateTargets(ctx context.Context, game Game, actor Player, power PowerDefinition, targetIDs []int64) error {
	if len(targetIDs) != power.Targets {
		return reject(ReasonInvalidTarget, "%s takes %d target(s), got %d", power.ID, power.Targets, len(targetIDs))
	}
	seen := make(map[int64]bool)
	for _, id := range targetIDs {
		if seen[id] {
			return reject(ReasonInvalidTarget, "player %d named twice", id)
		}
		seen[id] = true

		if id == actor.PlayerID && !power.AllowSelf {
			return reject(ReasonSelfTarget, "%s cannot target yourself", power.ID)
		}
		target, err := getPlayerInGame(ctx, l.db, game.ID, id)
		if errors.Is(err, sql.ErrNoRows) {
			return reject(ReasonInvalidTarget, "player %d is not in this game", id)
		}
		if err != nil {
			return err
		}
		if !target.IsAlive {
			return reject(ReasonInvalidTarget, "%s is dead", target.Name)
		}

		switch power.Effect {
		case EffectWolfAttack, EffectRoleSwap:
			if target.Team == TeamWolves {
				return reject(ReasonInvalidTarget, "%s cannot target a wolf", power.ID)
			}
		case EffectBond:
			if target.BondPartnerID != 0 {
				return reject(ReasonInvalidTarget, "%s is already bonded", target.Name)
			}
		case EffectProtect:
			last, err := previousNightTarget(ctx, l.db, game.ID, actor.PlayerID, power.ID, game.PhaseSeq)
			if err != nil {
				return err
			}
			if last == id {
				return reject(ReasonInvalidTarget, "%s was already protected last night", target.Name)
			}
		}
	}
	return nil
}
