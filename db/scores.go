package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/o-dasher/rusty-rika/osu"
)

// ErrNoRecommendation is returned when no stored score matches the requested bounds.
var ErrNoRecommendation = errors.New("no matching score")

// perfTable describes the performance table of one mode.
type perfTable struct {
	name    string
	columns []string // excluding score_id
	values  func(osu.Performance) ([]any, bool)
	scan    func(*sql.Rows) (osu.Performance, error)
}

var perfTables = map[osu.Mode]perfTable{
	osu.ModeOsu: {
		name:    "osu_performance",
		columns: []string{"overall", "aim", "speed", "flashlight", "accuracy"},
		values: func(p osu.Performance) ([]any, bool) {
			v, ok := p.(osu.OsuPerformance)
			return []any{v.Overall, v.Aim, v.Speed, v.Flashlight, v.Accuracy}, ok
		},
		scan: func(r *sql.Rows) (osu.Performance, error) {
			var v osu.OsuPerformance
			err := r.Scan(&v.Overall, &v.Aim, &v.Speed, &v.Flashlight, &v.Accuracy)
			return v, err
		},
	},
	osu.ModeTaiko: {
		name:    "taiko_performance",
		columns: []string{"overall", "accuracy", "difficulty"},
		values: func(p osu.Performance) ([]any, bool) {
			v, ok := p.(osu.TaikoPerformance)
			return []any{v.Overall, v.Accuracy, v.Difficulty}, ok
		},
		scan: func(r *sql.Rows) (osu.Performance, error) {
			var v osu.TaikoPerformance
			err := r.Scan(&v.Overall, &v.Accuracy, &v.Difficulty)
			return v, err
		},
	},
	osu.ModeMania: {
		name:    "mania_performance",
		columns: []string{"overall", "difficulty"},
		values: func(p osu.Performance) ([]any, bool) {
			v, ok := p.(osu.ManiaPerformance)
			return []any{v.Overall, v.Difficulty}, ok
		},
		scan: func(r *sql.Rows) (osu.Performance, error) {
			var v osu.ManiaPerformance
			err := r.Scan(&v.Overall, &v.Difficulty)
			return v, err
		},
	},
}

func perfTableFor(mode osu.Mode) (perfTable, error) {
	t, ok := perfTables[mode]
	if !ok {
		return perfTable{}, fmt.Errorf("no performance table for mode %s", mode)
	}
	return t, nil
}

// buildInsert renders a multi-row INSERT with $n placeholders.
func buildInsert(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			args = append(args, v)
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(len(args)))
		}
		b.WriteByte(')')
	}
	return b.String(), args
}

// pruneSQL keeps the keep most recently created scores of a subject in a mode. A batch is
// inserted newest play first, so within one created_at the lower seq is the more recent play.
const pruneSQL = `DELETE FROM score
	WHERE subject_id=$1 AND mode=$2 AND id NOT IN (
		SELECT id FROM score WHERE subject_id=$1 AND mode=$2
		ORDER BY created_at DESC, seq ASC LIMIT $3
	)`

// EnsureUser records a subject so scores can reference it.
func EnsureUser(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, subjectID int64) error {
	if _, err := q.ExecContext(ctx, `INSERT INTO osu_user (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, subjectID); err != nil {
		return fmt.Errorf("ensure osu_user %d: %w", subjectID, err)
	}
	return nil
}

// ExistingScoreIDs returns which of candidates are already stored for subject and mode.
func ExistingScoreIDs(ctx context.Context, dbx *sql.DB, subjectID int64, mode osu.Mode, candidates []int64) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	if len(candidates) == 0 {
		return out, nil
	}
	rows, err := dbx.QueryContext(ctx, `SELECT id FROM score WHERE subject_id=$1 AND mode=$2 AND id = ANY($3)`, subjectID, int64(mode), candidates)
	if err != nil {
		return nil, fmt.Errorf("query existing scores: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// SaveResult reports what one SaveScores transaction changed.
type SaveResult struct {
	Inserted int
	Pruned   int
}

// SaveScores writes plays and their performance rows in one transaction, then prunes the
// subject's history in mode to the keep most recent scores. Nothing is written unless the
// whole transaction commits.
func SaveScores(ctx context.Context, dbx *sql.DB, subjectID int64, mode osu.Mode, plays []osu.ScoredPlay, keep int) (res SaveResult, err error) {
	table, err := perfTableFor(mode)
	if err != nil {
		return res, err
	}
	scoreRows := make([][]any, 0, len(plays))
	perfRows := make([][]any, 0, len(plays))
	for _, p := range plays {
		vals, ok := table.values(p.Performance)
		if !ok {
			return res, fmt.Errorf("score %d: performance %T does not match mode %s", p.Score.ID, p.Performance, mode)
		}
		scoreRows = append(scoreRows, []any{p.Score.ID, subjectID, p.Score.BeatmapID, int64(p.Score.Mods), int64(mode)})
		perfRows = append(perfRows, append([]any{p.Score.ID}, vals...))
	}

	tx, err := dbx.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("score tx rollback failed", slog.Any("err", rbErr), slog.String("component", "db_scores"))
			}
		}
	}()

	if err = EnsureUser(ctx, tx, subjectID); err != nil {
		return res, err
	}
	if len(plays) > 0 {
		q, args := buildInsert("score", []string{"id", "subject_id", "beatmap_id", "mods", "mode"}, scoreRows)
		var r sql.Result
		if r, err = tx.ExecContext(ctx, q+" ON CONFLICT (id) DO NOTHING", args...); err != nil {
			return res, fmt.Errorf("insert scores: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Inserted = int(n)

		q, args = buildInsert(table.name, append([]string{"score_id"}, table.columns...), perfRows)
		if _, err = tx.ExecContext(ctx, q+" ON CONFLICT (score_id) DO NOTHING", args...); err != nil {
			return res, fmt.Errorf("insert %s: %w", table.name, err)
		}
	}
	if keep > 0 {
		var r sql.Result
		if r, err = tx.ExecContext(ctx, pruneSQL, subjectID, int64(mode), keep); err != nil {
			return res, fmt.Errorf("prune scores: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Pruned = int(n)
	}
	if err = tx.Commit(); err != nil {
		return res, fmt.Errorf("commit scores: %w", err)
	}
	return res, nil
}

// CountScores returns how many scores are stored for subject in mode.
func CountScores(ctx context.Context, dbx *sql.DB, subjectID int64, mode osu.Mode) (int, error) {
	var n int
	err := dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM score WHERE subject_id=$1 AND mode=$2`, subjectID, int64(mode)).Scan(&n)
	return n, err
}

// Performances lists the stored performance rows of a subject in mode, best first.
func Performances(ctx context.Context, dbx *sql.DB, subjectID int64, mode osu.Mode) ([]osu.Performance, error) {
	table, err := perfTableFor(mode)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(table.columns))
	for i, c := range table.columns {
		cols[i] = "pp." + c
	}
	q := fmt.Sprintf(`SELECT %s FROM score s JOIN %s pp ON pp.score_id = s.id
		WHERE s.subject_id=$1 AND s.mode=$2 ORDER BY pp.overall DESC`, strings.Join(cols, ", "), table.name)
	rows, err := dbx.QueryContext(ctx, q, subjectID, int64(mode))
	if err != nil {
		return nil, fmt.Errorf("query performances: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []osu.Performance
	for rows.Next() {
		p, err := table.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Bounds is an inclusive [Low, High] range for one performance component.
type Bounds struct{ Low, High float64 }

// StoredScore is a persisted score without its performance.
type StoredScore struct {
	ID        int64
	SubjectID int64
	BeatmapID int64
	Mods      osu.Mods
	Mode      osu.Mode
}

// RandomScoreWithin picks a random stored score in mode, excluding excludeSubject, whose
// performance components all fall inside bounds.
func RandomScoreWithin(ctx context.Context, dbx *sql.DB, mode osu.Mode, bounds map[string]Bounds, excludeSubject int64) (StoredScore, error) {
	table, err := perfTableFor(mode)
	if err != nil {
		return StoredScore{}, err
	}
	allowed := make(map[string]bool, len(table.columns))
	for _, c := range table.columns {
		allowed[c] = true
	}
	names := make([]string, 0, len(bounds))
	for name := range bounds {
		if !allowed[name] {
			return StoredScore{}, fmt.Errorf("unknown %s component %q", table.name, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	args := []any{int64(mode), excludeSubject}
	var where strings.Builder
	where.WriteString("s.mode=$1 AND s.subject_id<>$2")
	for _, name := range names {
		b := bounds[name]
		args = append(args, b.Low, b.High)
		fmt.Fprintf(&where, " AND pp.%s BETWEEN $%d AND $%d", name, len(args)-1, len(args))
	}
	q := fmt.Sprintf(`SELECT s.id, s.subject_id, s.beatmap_id, s.mods, s.mode FROM score s
		JOIN %s pp ON pp.score_id = s.id WHERE %s ORDER BY random() LIMIT 1`, table.name, where.String())

	var (
		out          StoredScore
		mods, mode16 int64
	)
	err = dbx.QueryRowContext(ctx, q, args...).Scan(&out.ID, &out.SubjectID, &out.BeatmapID, &mods, &mode16)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredScore{}, ErrNoRecommendation
	}
	if err != nil {
		return StoredScore{}, fmt.Errorf("query recommendation: %w", err)
	}
	out.Mods = osu.Mods(mods)
	out.Mode = osu.Mode(mode16)
	return out, nil
}

// ScoreStore adapts package functions to the submission and recommendation interfaces.
type ScoreStore struct {
	DB *sql.DB
}

func (s *ScoreStore) ExistingScoreIDs(ctx context.Context, subjectID int64, mode osu.Mode, candidates []int64) (map[int64]struct{}, error) {
	return ExistingScoreIDs(ctx, s.DB, subjectID, mode, candidates)
}

func (s *ScoreStore) SaveScores(ctx context.Context, subjectID int64, mode osu.Mode, plays []osu.ScoredPlay, keep int) (SaveResult, error) {
	return SaveScores(ctx, s.DB, subjectID, mode, plays, keep)
}

func (s *ScoreStore) Performances(ctx context.Context, subjectID int64, mode osu.Mode) ([]osu.Performance, error) {
	return Performances(ctx, s.DB, subjectID, mode)
}

func (s *ScoreStore) RandomScoreWithin(ctx context.Context, mode osu.Mode, bounds map[string]Bounds, excludeSubject int64) (StoredScore, error) {
	return RandomScoreWithin(ctx, s.DB, mode, bounds, excludeSubject)
}

func (s *ScoreStore) EnsureUser(ctx context.Context, subjectID int64) error {
	return EnsureUser(ctx, s.DB, subjectID)
}
