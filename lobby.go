package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/jmoiron/sqlx"
)

// createGame opens a lobby with the given role configuration.
func createGame(ctx context.Context, db *sqlx.DB, rules *Ruleset, settings GameSettings) (int64, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "INSERT INTO game (phase, phase_seq, settings) VALUES (?, 0, ?)", PhaseLobby, string(raw))
	if err != nil {
		return 0, fmt.Errorf("create game: %w", err)
	}
	gameID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for name, count := range settings.Roles {
		role, ok := rules.roleByName(name)
		if !ok {
			return 0, fmt.Errorf("unknown role %q", name)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO game_role_config (game_id, role_id, count) VALUES (?, ?, ?)", gameID, role.ID, count); err != nil {
			return 0, fmt.Errorf("role config %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	log.Printf("Game %d created with %d role type(s)", gameID, len(settings.Roles))
	return gameID, nil
}

// ensurePlayer returns the id of the named player, creating it if needed.
func ensurePlayer(ctx context.Context, db *sqlx.DB, name string) (int64, error) {
	if _, err := db.ExecContext(ctx, "INSERT OR IGNORE INTO player (name) VALUES (?)", name); err != nil {
		return 0, err
	}
	var id int64
	err := db.GetContext(ctx, &id, "SELECT rowid FROM player WHERE name = ?", name)
	return id, err
}

func joinGame(ctx context.Context, db *sqlx.DB, gameID, playerID int64) error {
	game, err := getGame(ctx, db, gameID)
	if err != nil {
		return err
	}
	if game.Phase != PhaseLobby {
		return reject(ReasonWrongPhase, "game %d already started", gameID)
	}
	_, err = db.ExecContext(ctx, "INSERT OR IGNORE INTO game_player (game_id, player_id) VALUES (?, ?)", gameID, playerID)
	return err
}

// startGame deals the configured roles at random and opens the first night.
func startGame(ctx context.Context, db *sqlx.DB, gameID int64, now time.Time) (Game, error) {
	players, err := getPlayersByGameId(ctx, db, gameID)
	if err != nil {
		return Game{}, err
	}
	var configs []struct {
		RoleID int64 `db:"role_id"`
		Count  int   `db:"count"`
	}
	if err := db.SelectContext(ctx, &configs,
		"SELECT role_id, count FROM game_role_config WHERE game_id = ? ORDER BY role_id", gameID); err != nil {
		return Game{}, err
	}

	var rolePool []int64
	for _, rc := range configs {
		for i := 0; i < rc.Count; i++ {
			rolePool = append(rolePool, rc.RoleID)
		}
	}
	if len(rolePool) != len(players) {
		return Game{}, fmt.Errorf("role count (%d) != player count (%d)", len(rolePool), len(players))
	}
	shuffleRoles(rolePool)

	seats := make(map[int64]int64, len(players))
	for i, p := range players {
		seats[p.PlayerID] = rolePool[i]
	}
	return seatAndOpen(ctx, db, gameID, seats, now)
}

// startGameWithRoles opens the first night with a fixed seating, player id
// to role name. Used for scripted games and replays.
func startGameWithRoles(ctx context.Context, db *sqlx.DB, rules *Ruleset, gameID int64, roles map[int64]string, now time.Time) (Game, error) {
	seats := make(map[int64]int64, len(roles))
	for playerID, name := range roles {
		role, ok := rules.roleByName(name)
		if !ok {
			return Game{}, fmt.Errorf("unknown role %q", name)
		}
		seats[playerID] = role.ID
	}
	return seatAndOpen(ctx, db, gameID, seats, now)
}

func seatAndOpen(ctx context.Context, db *sqlx.DB, gameID int64, seats map[int64]int64, now time.Time) (Game, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return Game{}, err
	}
	defer tx.Rollback()

	game, err := getGame(ctx, tx, gameID)
	if err != nil {
		return game, err
	}
	if game.Phase != PhaseLobby {
		return game, reject(ReasonWrongPhase, "game %d already started", gameID)
	}

	for playerID, roleID := range seats {
		res, err := tx.ExecContext(ctx,
			"UPDATE game_player SET role_id = ? WHERE game_id = ? AND player_id = ?", roleID, gameID, playerID)
		if err != nil {
			return game, fmt.Errorf("assign role: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return game, reject(ReasonNotInGame, "player %d is not in game %d", playerID, gameID)
		}
	}

	var deadline *time.Time
	if d := game.settings().phaseDuration(PhaseNight); d > 0 {
		t := now.Add(d).UTC()
		deadline = &t
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE game SET phase = ?, phase_seq = 1, resolution_state = 'open', night_count = 1, phase_deadline = ?
		WHERE rowid = ?`, PhaseNight, deadline, gameID); err != nil {
		return game, fmt.Errorf("open first night: %w", err)
	}
	if err := recordPhaseStart(ctx, tx, gameID, 1, PhaseNight, now.UTC()); err != nil {
		return game, err
	}
	if err := insertEvents(ctx, tx, []EventRecord{{
		GameID: gameID, PhaseSeq: 1, Phase: PhaseNight, Type: EventPhaseChange,
		Visibility: VisibilityPublic, Detail: PhaseNight,
	}}); err != nil {
		return game, err
	}
	if err := tx.Commit(); err != nil {
		return game, err
	}

	log.Printf("Game %d started with %d players, night 1", gameID, len(seats))
	LogDBState("after game start")
	return getGame(ctx, db, gameID)
}

// shuffleRoles shuffles the role pool using crypto/rand
func shuffleRoles(roles []int64) {
	for i := len(roles) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			roles[i], roles[i-1] = roles[i-1], roles[i]
			continue
		}
		j := int(jBig.Int64())
		roles[i], roles[j] = roles[j], roles[i]
	}
}
