package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
)

// Phases of a game, in play order. lobby and terminee are never resolved.
const (
	PhaseLobby    = "lobby"
	PhaseNight    = "nuit"
	PhaseDay      = "jour"
	PhaseCouncil  = "conseil"
	PhaseFinished = "terminee"
)

// Resolution states of the current phase instance.
const (
	ResolutionOpen      = "open"
	ResolutionResolving = "resolving"
	ResolutionPending   = "pending" // resolved, waiting on a revenge shot before closing
)

// Teams
const (
	TeamVillage = "village"
	TeamWolves  = "loups"
	TeamSolo    = "solo"
)

// Power timing windows. TimingDay covers both jour and conseil.
const (
	TimingNight = "nuit"
	TimingDay   = "jour"
	TimingAny   = "any"
)

type Game struct {
	ID               int64      `db:"id"`
	Phase            string     `db:"phase"`
	PhaseSeq         int        `db:"phase_seq"`
	ResolutionState  string     `db:"resolution_state"`
	PendingNextPhase string     `db:"pending_next_phase"`
	PhaseDeadline    *time.Time `db:"phase_deadline"`
	DayCount         int        `db:"day_count"`
	NightCount       int        `db:"night_count"`
	Winner           string     `db:"winner"`
	Settings         string     `db:"settings"`
}

// GameSettings is stored as JSON on the game row.
type GameSettings struct {
	Roles          map[string]int `json:"roles"` // role name -> count
	NightSeconds   int            `json:"night_seconds"`
	DaySeconds     int            `json:"day_seconds"`
	CouncilSeconds int            `json:"council_seconds"`
	RevengeSeconds int            `json:"revenge_seconds"`
}

func (g Game) settings() GameSettings {
	var s GameSettings
	if g.Settings != "" {
		if err := json.Unmarshal([]byte(g.Settings), &s); err != nil {
			log.Printf("game %d: bad settings json: %v", g.ID, err)
		}
	}
	return s
}

// phaseDuration returns how long the given phase may stay open before the
// scheduler forces resolution. Zero means no deadline.
func (s GameSettings) phaseDuration(phase string) time.Duration {
	switch phase {
	case PhaseNight:
		return time.Duration(s.NightSeconds) * time.Second
	case PhaseDay:
		return time.Duration(s.DaySeconds) * time.Second
	case PhaseCouncil:
		return time.Duration(s.CouncilSeconds) * time.Second
	}
	return 0
}

type Player struct {
	ID            int64  `db:"id"`
	GameID        int64  `db:"game_id"`
	PlayerID      int64  `db:"player_id"`
	Name          string `db:"name"`
	RoleID        int64  `db:"role_id"`
	RoleName      string `db:"role_name"`
	Team          string `db:"team"` // effective team, team_override wins over the role's team
	TeamOverride  string `db:"team_override"`
	IsAlive       bool   `db:"is_alive"`
	DeathCause    string `db:"death_cause"`
	DeathPhaseSeq int    `db:"death_phase_seq"`
	BondPartnerID int64  `db:"bond_partner_id"`
	ModelPlayerID int64  `db:"model_player_id"`
	Transformed   bool   `db:"transformed"`
}

const playerColumns = `g.rowid as id,
			g.game_id as game_id,
			g.player_id as player_id,
			p.name as name,
			r.rowid as role_id,
			r.name as role_name,
			CASE WHEN g.team_override != '' THEN g.team_override ELSE r.team END as team,
			g.team_override as team_override,
			g.is_alive as is_alive,
			g.death_cause as death_cause,
			g.death_phase_seq as death_phase_seq,
			g.bond_partner_id as bond_partner_id,
			g.model_player_id as model_player_id,
			g.transformed as transformed`

func getPlayerInGame(ctx context.Context, q sqlx.QueryerContext, gameID, playerID int64) (Player, error) {
	var player Player
	err := sqlx.GetContext(ctx, q, &player, `SELECT `+playerColumns+`
		FROM game_player g
			JOIN player p on g.player_id = p.rowid
			JOIN role r on g.role_id = r.rowid
		WHERE g.game_id = ? AND g.player_id = ?`, gameID, playerID)
	return player, err
}

func getPlayersByGameId(ctx context.Context, q sqlx.QueryerContext, gameID int64) ([]Player, error) {
	var players []Player
	err := sqlx.SelectContext(ctx, q, &players, `SELECT `+playerColumns+`
		FROM game_player g
			JOIN player p on g.player_id = p.rowid
			JOIN role r on g.role_id = r.rowid
		WHERE g.game_id = ?
		ORDER BY g.player_id`, gameID)
	return players, err
}

// savePlayers writes back every player whose mutable fields differ between
// before and after. Only resolvers and immediate powers call this.
func savePlayers(ctx context.Context, x sqlx.ExecerContext, before, after Roster) error {
	for _, id := range after.ids() {
		p := after[id]
		if old, ok := before[id]; ok && old == p {
			continue
		}
		_, err := x.ExecContext(ctx, `
			UPDATE game_player SET
				role_id = ?, team_override = ?, is_alive = ?, death_cause = ?, death_phase_seq = ?,
				bond_partner_id = ?, model_player_id = ?, transformed = ?
			WHERE game_id = ? AND player_id = ?`,
			p.RoleID, p.TeamOverride, p.IsAlive, p.DeathCause, p.DeathPhaseSeq,
			p.BondPartnerID, p.ModelPlayerID, p.Transformed,
			p.GameID, p.PlayerID)
		if err != nil {
			return fmt.Errorf("save player %d: %w", p.PlayerID, err)
		}
	}
	return nil
}

type Role struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	Team        string `db:"team"`
	SoloWin     string `db:"solo_win"` // "" or "last_standing"
	Description string `db:"description"`
}

// PowerDefinition describes one role power. UsageCap 0 means unlimited.
type PowerDefinition struct {
	ID         string     `db:"id"`
	RoleID     int64      `db:"role_id"`
	Effect     EffectKind `db:"effect"`
	UsageCap   int        `db:"usage_cap"`
	Timing     string     `db:"timing"`
	Targets    int        `db:"targets"`
	AllowSelf  bool       `db:"allow_self"`
	Posthumous bool       `db:"posthumous"`
	Immediate  bool       `db:"immediate"`
	Passive    bool       `db:"passive"`
}

// allowsPhase reports whether the power may be submitted during phase.
func (pd PowerDefinition) allowsPhase(phase string) bool {
	switch pd.Timing {
	case TimingAny:
		return phase == PhaseNight || phase == PhaseDay || phase == PhaseCouncil
	case TimingNight:
		return phase == PhaseNight
	case TimingDay:
		return phase == PhaseDay || phase == PhaseCouncil
	}
	return false
}

type ActionRecord struct {
	ID             int64     `db:"id"`
	GameID         int64     `db:"game_id"`
	PhaseSeq       int       `db:"phase_seq"`
	PlayerID       int64     `db:"player_id"`
	PowerID        string    `db:"power_key"`
	TargetID       int64     `db:"target_id"`
	SecondTargetID int64     `db:"second_target_id"`
	SubmittedAt    time.Time `db:"submitted_at"`
}

type VoteRecord struct {
	ID          int64     `db:"id"`
	GameID      int64     `db:"game_id"`
	PhaseSeq    int       `db:"phase_seq"`
	VoterID     int64     `db:"voter_id"`
	TargetID    int64     `db:"target_id"`
	Weight      int       `db:"weight"`
	Anonymous   bool      `db:"anonymous"`
	SubmittedAt time.Time `db:"submitted_at"`
}

type PowerUseRecord struct {
	GameID   int64  `db:"game_id"`
	PlayerID int64  `db:"player_id"`
	PowerID  string `db:"power_key"`
	Count    int    `db:"count"`
}

type useKey struct {
	PlayerID int64
	PowerID  string
}

// EventRecord is an append-only log entry. Visibility decides who may read it:
//   - "public": everyone
//   - "team:loups": the wolves team only
//   - "actor": only the actor
//   - "resolved": hidden until the phase it belongs to has closed
//   - "secret": privileged readers, or everyone once the game is over
type EventRecord struct {
	ID         int64     `db:"id"`
	GameID     int64     `db:"game_id"`
	PhaseSeq   int       `db:"phase_seq"`
	Phase      string    `db:"phase"`
	Type       string    `db:"type"`
	ActorID    int64     `db:"actor_id"`
	TargetID   int64     `db:"target_id"`
	Cause      string    `db:"cause"`
	Visibility string    `db:"visibility"`
	Detail     string    `db:"detail"`
	CreatedAt  time.Time `db:"created_at"`
}

// Visibility types
const (
	VisibilityPublic     = "public"
	VisibilityTeamWolves = "team:loups"
	VisibilityActor      = "actor"
	VisibilityResolved   = "resolved"
	VisibilitySecret     = "secret"
)

// Event types
const (
	EventDeath          = "mort"
	EventWolfAttack     = "attaque_loups"
	EventNoAttack       = "nuit_calme"
	EventProtection     = "protection"
	EventLifeSaved      = "potion_vie"
	EventPoison         = "potion_mort"
	EventBond           = "lien"
	EventBondNotice     = "lien_notifie"
	EventModelChosen    = "modele"
	EventReveal         = "voyance"
	EventRoleSwap       = "echange"
	EventAssassination  = "assassinat"
	EventTransformation = "transformation"
	EventElimination    = "elimination"
	EventCouncilTally   = "decompte"
	EventCouncilTie     = "egalite"
	EventNoVotes        = "aucun_vote"
	EventImmunity       = "immunite"
	EventRevengeShot    = "tir_vengeur"
	EventRevengeSkipped = "tir_ignore"
	EventPhaseChange    = "phase"
	EventNightSkipped   = "nuit_ignoree"
	EventVictory        = "victoire"
	EventStory          = "recit"
)

func insertEvents(ctx context.Context, x sqlx.ExecerContext, events []EventRecord) error {
	for _, ev := range events {
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}
		_, err := x.ExecContext(ctx, `
			INSERT INTO event_record (game_id, phase_seq, phase, type, actor_id, target_id, cause, visibility, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.GameID, ev.PhaseSeq, ev.Phase, ev.Type, ev.ActorID, ev.TargetID, ev.Cause, ev.Visibility, ev.Detail, ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert %s event: %w", ev.Type, err)
		}
	}
	return nil
}

func getEvents(ctx context.Context, q sqlx.QueryerContext, gameID, sinceID int64) ([]EventRecord, error) {
	var events []EventRecord
	err := sqlx.SelectContext(ctx, q, &events, `
		SELECT rowid as id, game_id, phase_seq, phase, type, actor_id, target_id, cause, visibility, detail, created_at
		FROM event_record
		WHERE game_id = ? AND rowid > ?
		ORDER BY rowid`, gameID, sinceID)
	return events, err
}

// Trigger kinds and statuses
const (
	TriggerRevenge   = "revenge"
	TriggerTransform = "transform"

	TriggerPending = "pending"
	TriggerDone    = "done"
	TriggerSkipped = "skipped"
)

// PendingTrigger is a deferred consequence of a death that must be settled
// before the phase can close (revenge) or at the start of the next night
// (transform).
type PendingTrigger struct {
	ID         int64  `db:"id"`
	GameID     int64  `db:"game_id"`
	Kind       string `db:"kind"`
	PlayerID   int64  `db:"player_id"`
	SourceID   int64  `db:"source_id"`
	CreatedSeq int    `db:"created_seq"`
	Status     string `db:"status"`
}

func insertTriggers(ctx context.Context, x sqlx.ExecerContext, triggers []PendingTrigger) error {
	for _, tr := range triggers {
		_, err := x.ExecContext(ctx, `
			INSERT OR IGNORE INTO pending_trigger (game_id, kind, player_id, source_id, created_seq, status)
			VALUES (?, ?, ?, ?, ?, ?)`,
			tr.GameID, tr.Kind, tr.PlayerID, tr.SourceID, tr.CreatedSeq, TriggerPending)
		if err != nil {
			return fmt.Errorf("insert %s trigger: %w", tr.Kind, err)
		}
	}
	return nil
}

func getPendingTriggers(ctx context.Context, q sqlx.QueryerContext, gameID int64, kind string) ([]PendingTrigger, error) {
	var triggers []PendingTrigger
	err := sqlx.SelectContext(ctx, q, &triggers, `
		SELECT rowid as id, game_id, kind, player_id, source_id, created_seq, status
		FROM pending_trigger
		WHERE game_id = ? AND kind = ? AND status = ?
		ORDER BY rowid`, gameID, kind, TriggerPending)
	return triggers, err
}

func setTriggerStatus(ctx context.Context, x sqlx.ExecerContext, triggerID int64, status string) error {
	_, err := x.ExecContext(ctx, "UPDATE pending_trigger SET status = ? WHERE rowid = ?", status, triggerID)
	return err
}

func getGame(ctx context.Context, q sqlx.QueryerContext, gameID int64) (Game, error) {
	var game Game
	err := sqlx.GetContext(ctx, q, &game, `
		SELECT rowid as id, phase, phase_seq, resolution_state, pending_next_phase, phase_deadline,
			day_count, night_count, winner, settings
		FROM game WHERE rowid = ?`, gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return game, fmt.Errorf("game %d: %w", gameID, ErrGameNotFound)
	}
	return game, err
}

func getActions(ctx context.Context, q sqlx.QueryerContext, gameID int64, phaseSeq int) ([]ActionRecord, error) {
	var actions []ActionRecord
	err := sqlx.SelectContext(ctx, q, &actions, `
		SELECT rowid as id, game_id, phase_seq, player_id, power_key, target_id, second_target_id, submitted_at
		FROM action_record
		WHERE game_id = ? AND phase_seq = ?
		ORDER BY player_id, power_key`, gameID, phaseSeq)
	return actions, err
}

func getVotes(ctx context.Context, q sqlx.QueryerContext, gameID int64, phaseSeq int) ([]VoteRecord, error) {
	var votes []VoteRecord
	err := sqlx.SelectContext(ctx, q, &votes, `
		SELECT rowid as id, game_id, phase_seq, voter_id, target_id, weight, anonymous, submitted_at
		FROM vote_record
		WHERE game_id = ? AND phase_seq = ?
		ORDER BY voter_id`, gameID, phaseSeq)
	return votes, err
}

func getPowerUses(ctx context.Context, q sqlx.QueryerContext, gameID int64) (map[useKey]int, error) {
	var rows []PowerUseRecord
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT game_id, player_id, power_key, count FROM power_use WHERE game_id = ?`, gameID)
	if err != nil {
		return nil, err
	}
	uses := make(map[useKey]int, len(rows))
	for _, r := range rows {
		uses[useKey{r.PlayerID, r.PowerID}] = r.Count
	}
	return uses, nil
}

// claimPowerUse increments the use counter unless the cap is already reached.
// It reports false when the cap blocked the increment. Concurrent callers are
// serialized by SQLite, so a cap of 1 can be claimed once.
func claimPowerUse(ctx context.Context, x sqlx.ExecerContext, gameID, playerID int64, power PowerDefinition) (bool, error) {
	res, err := x.ExecContext(ctx, `
		INSERT INTO power_use (game_id, player_id, power_key, count) VALUES (?, ?, ?, 1)
		ON CONFLICT(game_id, player_id, power_key)
		DO UPDATE SET count = count + 1 WHERE ? = 0 OR count < ?`,
		gameID, playerID, power.ID, power.UsageCap, power.UsageCap)
	if err != nil {
		return false, fmt.Errorf("claim %s for player %d: %w", power.ID, playerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// previousNightTarget returns the target the player picked with powerID during
// the last night before phaseSeq, or 0.
func previousNightTarget(ctx context.Context, q sqlx.QueryerContext, gameID, playerID int64, powerID string, phaseSeq int) (int64, error) {
	var target int64
	err := sqlx.GetContext(ctx, q, &target, `
		SELECT a.target_id FROM action_record a
		WHERE a.game_id = ? AND a.player_id = ? AND a.power_key = ? AND a.phase_seq = (
			SELECT MAX(h.phase_seq) FROM phase_history h
			WHERE h.game_id = ? AND h.phase = ? AND h.phase_seq < ?)`,
		gameID, playerID, powerID, gameID, PhaseNight, phaseSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return target, err
}

func recordPhaseStart(ctx context.Context, x sqlx.ExecerContext, gameID int64, phaseSeq int, phase string, at time.Time) error {
	_, err := x.ExecContext(ctx, `
		INSERT OR IGNORE INTO phase_history (game_id, phase_seq, phase, started_at) VALUES (?, ?, ?, ?)`,
		gameID, phaseSeq, phase, at)
	return err
}

func recordPhaseResolution(ctx context.Context, x sqlx.ExecerContext, gameID int64, phaseSeq int, resolutionID string) error {
	_, err := x.ExecContext(ctx, `
		UPDATE phase_history SET resolution_id = ? WHERE game_id = ? AND phase_seq = ?`,
		resolutionID, gameID, phaseSeq)
	return err
}

// Ruleset is the immutable catalogue of roles and powers loaded at startup.
type Ruleset struct {
	Roles  map[int64]Role
	Powers map[string]PowerDefinition
}

func loadRuleset(ctx context.Context, q sqlx.QueryerContext) (*Ruleset, error) {
	var roles []Role
	if err := sqlx.SelectContext(ctx, q, &roles, `
		SELECT rowid as id, name, team, solo_win, description FROM role`); err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	var powers []PowerDefinition
	if err := sqlx.SelectContext(ctx, q, &powers, `
		SELECT key as id, role_id, effect, usage_cap, timing, targets, allow_self, posthumous, immediate, passive
		FROM power`); err != nil {
		return nil, fmt.Errorf("load powers: %w", err)
	}
	rs := &Ruleset{Roles: make(map[int64]Role), Powers: make(map[string]PowerDefinition)}
	for _, r := range roles {
		rs.Roles[r.ID] = r
	}
	for _, p := range powers {
		rs.Powers[p.ID] = p
	}
	return rs, nil
}

func (rs *Ruleset) roleByName(name string) (Role, bool) {
	for _, r := range rs.Roles {
		if r.Name == name {
			return r, true
		}
	}
	return Role{}, false
}

// powersFor lists the powers a player can use: those of the current role,
// plus the wolf attack for anyone on the wolves team (transformed players
// included). Sorted by id for deterministic iteration.
func (rs *Ruleset) powersFor(p Player) []PowerDefinition {
	var out []PowerDefinition
	for _, pd := range rs.Powers {
		if pd.RoleID == p.RoleID || (pd.Effect == EffectWolfAttack && p.Team == TeamWolves) {
			out = append(out, pd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (rs *Ruleset) canUse(p Player, powerID string) bool {
	for _, pd := range rs.powersFor(p) {
		if pd.ID == powerID {
			return true
		}
	}
	return false
}

// holds returns the first power of the given effect the player can use.
func (rs *Ruleset) holds(p Player, effect EffectKind) (PowerDefinition, bool) {
	for _, pd := range rs.powersFor(p) {
		if pd.Effect == effect {
			return pd, true
		}
	}
	return PowerDefinition{}, false
}

// assignRole puts roleID on p, keeping any team override.
func (rs *Ruleset) assignRole(p *Player, roleID int64) {
	role := rs.Roles[roleID]
	p.RoleID = role.ID
	p.RoleName = role.Name
	p.Team = role.Team
	if p.TeamOverride != "" {
		p.Team = p.TeamOverride
	}
}

func initDB(ctx context.Context, x sqlx.ExecerContext) error {
	schema := `
	PRAGMA journal_mode=WAL;

	CREATE TABLE IF NOT EXISTS game (
		phase TEXT NOT NULL DEFAULT 'lobby',
		phase_seq INTEGER NOT NULL DEFAULT 0,
		resolution_state TEXT NOT NULL DEFAULT 'open',
		pending_next_phase TEXT NOT NULL DEFAULT '',
		phase_deadline TIMESTAMP,
		day_count INTEGER NOT NULL DEFAULT 0,
		night_count INTEGER NOT NULL DEFAULT 0,
		winner TEXT NOT NULL DEFAULT '',
		settings TEXT NOT NULL DEFAULT '{}'
	);
	CREATE TABLE IF NOT EXISTS player (
		name TEXT UNIQUE NOT NULL
	);
	CREATE TABLE IF NOT EXISTS session (
		token TEXT PRIMARY KEY,
		player_id INTEGER NOT NULL,
		FOREIGN KEY (player_id) REFERENCES player(rowid)
	);
	CREATE TABLE IF NOT EXISTS role (
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL,
		team TEXT NOT NULL,
		solo_win TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS power (
		key TEXT NOT NULL UNIQUE,
		role_id INTEGER NOT NULL,
		effect TEXT NOT NULL,
		usage_cap INTEGER NOT NULL DEFAULT 0,
		timing TEXT NOT NULL,
		targets INTEGER NOT NULL DEFAULT 1,
		allow_self INTEGER NOT NULL DEFAULT 0,
		posthumous INTEGER NOT NULL DEFAULT 0,
		immediate INTEGER NOT NULL DEFAULT 0,
		passive INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (role_id) REFERENCES role(rowid)
	);
	CREATE TABLE IF NOT EXISTS game_player (
		game_id INTEGER NOT NULL,
		player_id INTEGER NOT NULL,
		role_id INTEGER NOT NULL DEFAULT 1,
		team_override TEXT NOT NULL DEFAULT '',
		is_alive INTEGER NOT NULL DEFAULT 1,
		death_cause TEXT NOT NULL DEFAULT '',
		death_phase_seq INTEGER NOT NULL DEFAULT 0,
		bond_partner_id INTEGER NOT NULL DEFAULT 0,
		model_player_id INTEGER NOT NULL DEFAULT 0,
		transformed INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (game_id) REFERENCES game(rowid),
		FOREIGN KEY (player_id) REFERENCES player(rowid),
		UNIQUE(game_id, player_id)
	);
	CREATE TABLE IF NOT EXISTS game_role_config (
		game_id INTEGER NOT NULL,
		role_id INTEGER NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (game_id) REFERENCES game(rowid),
		FOREIGN KEY (role_id) REFERENCES role(rowid),
		UNIQUE(game_id, role_id)
	);
	CREATE TABLE IF NOT EXISTS action_record (
		game_id INTEGER NOT NULL,
		phase_seq INTEGER NOT NULL,
		player_id INTEGER NOT NULL,
		power_key TEXT NOT NULL,
		target_id INTEGER NOT NULL DEFAULT 0,
		second_target_id INTEGER NOT NULL DEFAULT 0,
		submitted_at TIMESTAMP NOT NULL,
		FOREIGN KEY (game_id) REFERENCES game(rowid),
		UNIQUE(game_id, phase_seq, player_id, power_key)
	);
	CREATE TABLE IF NOT EXISTS vote_record (
		game_id INTEGER NOT NULL,
		phase_seq INTEGER NOT NULL,
		voter_id INTEGER NOT NULL,
		target_id INTEGER NOT NULL,
		weight INTEGER NOT NULL DEFAULT 1,
		anonymous INTEGER NOT NULL DEFAULT 1,
		submitted_at TIMESTAMP NOT NULL,
		FOREIGN KEY (game_id) REFERENCES game(rowid),
		UNIQUE(game_id, phase_seq, voter_id)
	);
	CREATE TABLE IF NOT EXISTS power_use (
		game_id INTEGER NOT NULL,
		player_id INTEGER NOT NULL,
		power_key TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(game_id, player_id, power_key)
	);
	CREATE TABLE IF NOT EXISTS event_record (
		game_id INTEGER NOT NULL,
		phase_seq INTEGER NOT NULL,
		phase TEXT NOT NULL,
		type TEXT NOT NULL,
		actor_id INTEGER NOT NULL DEFAULT 0,
		target_id INTEGER NOT NULL DEFAULT 0,
		cause TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL DEFAULT 'public',
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (game_id) REFERENCES game(rowid)
	);
	CREATE INDEX IF NOT EXISTS idx_event_record_game ON event_record(game_id, phase_seq);
	CREATE TABLE IF NOT EXISTS pending_trigger (
		game_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		player_id INTEGER NOT NULL,
		source_id INTEGER NOT NULL DEFAULT 0,
		created_seq INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		UNIQUE(game_id, kind, player_id)
	);
	CREATE TABLE IF NOT EXISTS phase_history (
		game_id INTEGER NOT NULL,
		phase_seq INTEGER NOT NULL,
		phase TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		resolution_id TEXT NOT NULL DEFAULT '',
		UNIQUE(game_id, phase_seq)
	);

	INSERT OR IGNORE INTO role (name, description, team, solo_win)
	VALUES
	  ('Villageois', 'Aucun pouvoir, compte sur la discussion et le vote.', 'village', ''),
	  ('Loup-Garou', 'Vote chaque nuit avec la meute pour devorer un villageois.', 'loups', ''),
	  ('Voyante', 'Decouvre chaque nuit le camp d''un joueur.', 'village', ''),
	  ('Salvateur', 'Protege un joueur par nuit, jamais deux nuits de suite le meme.', 'village', ''),
	  ('Sorciere', 'Une potion de vie et une potion de mort pour toute la partie.', 'village', ''),
	  ('Chasseur', 'En mourant, emporte un joueur de son choix.', 'village', ''),
	  ('Cupidon', 'Lie deux joueurs: si l''un meurt, l''autre meurt de chagrin.', 'village', ''),
	  ('Enfant Sauvage', 'Choisit un modele; si le modele meurt, il rejoint les loups.', 'village', ''),
	  ('Maire', 'Sa voix compte double au conseil.', 'village', ''),
	  ('Idiot du Village', 'Survit une fois a une elimination du conseil.', 'village', ''),
	  ('Crieur', 'Peut rendre public qui a vote pour qui au conseil.', 'village', ''),
	  ('Illusionniste', 'Echange une fois les roles de deux joueurs.', 'village', ''),
	  ('Assassin', 'Tue une fois en silence; gagne s''il reste le dernier en vie.', 'solo', 'last_standing');

	INSERT OR IGNORE INTO power (key, role_id, effect, usage_cap, timing, targets, allow_self, posthumous, immediate, passive)
	SELECT v.column1, r.rowid, v.column3, v.column4, v.column5, v.column6, v.column7, v.column8, v.column9, v.column10
	FROM (VALUES
	  ('loup_attaque', 'Loup-Garou', 'wolf_attack', 0, 'nuit', 1, 0, 0, 0, 0),
	  ('voyance', 'Voyante', 'reveal', 0, 'nuit', 1, 0, 0, 0, 0),
	  ('protection', 'Salvateur', 'protect', 0, 'nuit', 1, 0, 0, 0, 0),
	  ('potion_vie', 'Sorciere', 'life_save', 1, 'nuit', 1, 1, 0, 0, 0),
	  ('potion_mort', 'Sorciere', 'death_deal', 1, 'nuit', 1, 0, 0, 0, 0),
	  ('tir_vengeur', 'Chasseur', 'revenge_shot', 1, 'any', 1, 0, 1, 0, 0),
	  ('lien', 'Cupidon', 'bond', 1, 'nuit', 2, 1, 0, 0, 0),
	  ('modele', 'Enfant Sauvage', 'model_transform', 1, 'nuit', 1, 0, 0, 0, 0),
	  ('double_vote', 'Maire', 'double_vote', 0, 'jour', 0, 0, 0, 0, 1),
	  ('immunite', 'Idiot du Village', 'immunity', 1, 'jour', 0, 1, 0, 0, 0),
	  ('vote_public', 'Crieur', 'vote_visibility', 0, 'jour', 0, 1, 0, 0, 0),
	  ('echange', 'Illusionniste', 'role_swap', 1, 'nuit', 2, 0, 0, 0, 0),
	  ('assassinat', 'Assassin', 'silent_kill', 1, 'any', 1, 0, 0, 1, 0)
	) v
	JOIN role r ON r.name = v.column2;
	`
	_, err := x.ExecContext(ctx, schema)
	if err != nil {
		log.Printf("initDB error: %v", err)
		return err
	}
	log.Printf("Database initialized successfully")
	return nil
}

// canSeeEvent applies the visibility rules for one viewer. Once the game is
// over everything is visible.
func canSeeEvent(ev EventRecord, viewer Player, game Game, privileged bool) bool {
	if privileged || game.Phase == PhaseFinished {
		return true
	}
	switch ev.Visibility {
	case VisibilityPublic:
		return true
	case VisibilityTeamWolves:
		return viewer.Team == TeamWolves
	case VisibilityActor:
		return viewer.PlayerID != 0 && viewer.PlayerID == ev.ActorID
	case VisibilityResolved:
		// Visible once the phase it happened in has been resolved
		if ev.PhaseSeq < game.PhaseSeq {
			return true
		}
		return ev.PhaseSeq == game.PhaseSeq && game.ResolutionState == ResolutionPending
	default:
		return false
	}
}

// getEventsForPlayer returns the events after sinceID the viewer may read.
// viewerID 0 is an anonymous spectator.
func getEventsForPlayer(ctx context.Context, q sqlx.QueryerContext, gameID, viewerID, sinceID int64, privileged bool) ([]EventRecord, error) {
	game, err := getGame(ctx, q, gameID)
	if err != nil {
		return nil, err
	}
	var viewer Player
	if viewerID != 0 {
		viewer, err = getPlayerInGame(ctx, q, gameID, viewerID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	all, err := getEvents(ctx, q, gameID, sinceID)
	if err != nil {
		return nil, err
	}
	visible := []EventRecord{}
	for _, ev := range all {
		if canSeeEvent(ev, viewer, game, privileged) {
			visible = append(visible, ev)
		}
	}
	return visible, nil
}
