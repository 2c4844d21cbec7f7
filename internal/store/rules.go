package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"causeway/internal/embedding"
	"causeway/internal/logging"
	"causeway/internal/rules"
)

const ruleColumns = `r.id, r.kind, r.pattern, r.tool, r.description, r.problem, r.solution,
	r.action, r.active, r.source_session, r.version, r.created_at, r.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRule reads ruleColumns followed by an optional embedding BLOB and any
// extra destinations.
func scanRule(sc rowScanner, withEmbedding bool, extra ...any) (rules.Rule, error) {
	var (
		r                          rules.Rule
		kind, action               string
		pattern, problem, solution sql.NullString
		source                     sql.NullString
		active                     int
		created, updated           int64
		blob                       []byte
	)
	dest := []any{&r.ID, &kind, &pattern, &r.Tool, &r.Description, &problem, &solution,
		&action, &active, &source, &r.Version, &created, &updated}
	if withEmbedding {
		dest = append(dest, &blob)
	}
	dest = append(dest, extra...)
	if err := sc.Scan(dest...); err != nil {
		return rules.Rule{}, err
	}

	r.Action = rules.Action(action)
	r.Active = active != 0
	r.SourceSession = source.String
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)

	switch rules.Kind(kind) {
	case rules.KindRegex:
		r.Body = &rules.Regex{Pattern: pattern.String}
	case rules.KindSemantic:
		r.Body = &rules.Semantic{Problem: problem.String, Solution: solution.String}
	default:
		return rules.Rule{}, fmt.Errorf("rule #%d has unknown kind %q", r.ID, kind)
	}

	if len(blob) > 0 {
		v, err := embedding.DecodeVector(blob)
		if err != nil {
			return rules.Rule{}, fmt.Errorf("rule #%d: %w", r.ID, err)
		}
		r.Embedding = v
	}
	return r, nil
}

// Filter selects rules for List. Results are always ordered by ascending id.
type Filter struct {
	ActiveOnly bool
	Kind       rules.Kind
	// Tool keeps only rules whose tool filter applies to this tool name.
	Tool           string
	WithEmbeddings bool
}

// List returns rules matching f in ascending id order. The result is read by
// a single statement, so it is a consistent view of committed state.
func (s *Store) List(ctx context.Context, f Filter) ([]rules.Rule, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("SELECT " + ruleColumns)
	if f.WithEmbeddings {
		sb.WriteString(", e.embedding FROM rules r LEFT JOIN rule_embeddings e ON e.rule_id = r.id")
	} else {
		sb.WriteString(" FROM rules r")
	}
	sb.WriteString(" WHERE 1 = 1")
	if f.ActiveOnly {
		sb.WriteString(" AND r.active = 1")
	}
	if f.Kind != "" {
		sb.WriteString(" AND r.kind = ?")
		args = append(args, string(f.Kind))
	}
	sb.WriteString(" ORDER BY r.id ASC")

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		r, err := scanRule(rows, f.WithEmbeddings)
		if err != nil {
			return nil, err
		}
		if f.Tool != "" && !r.AppliesTo(f.Tool) {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one rule with its embedding.
func (s *Store) Get(ctx context.Context, id int64) (rules.Rule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+ruleColumns+`, e.embedding
		FROM rules r LEFT JOIN rule_embeddings e ON e.rule_id = r.id WHERE r.id = ?`, id)
	r, err := scanRule(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.Rule{}, ruleNotFound(id)
	}
	if err != nil {
		return rules.Rule{}, fmt.Errorf("get rule #%d: %w", id, err)
	}
	return r, nil
}

// FindRegex returns an existing regex rule with the same pattern and tool filter.
func (s *Store) FindRegex(ctx context.Context, pattern, tool string) (rules.Rule, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+ruleColumns+`
		FROM rules r WHERE r.kind = 'regex' AND r.pattern = ? AND r.tool = ? ORDER BY r.id LIMIT 1`,
		pattern, strings.TrimSpace(tool))
	r, err := scanRule(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.Rule{}, false, nil
	}
	if err != nil {
		return rules.Rule{}, false, err
	}
	return r, true, nil
}

// embed computes the index vector for r. Every failure is an *embedding.Error.
func (s *Store) embed(ctx context.Context, r rules.Rule) ([]float32, error) {
	if s.engine == nil {
		return nil, &embedding.Error{Engine: "none", Err: errors.New("no embedding engine configured")}
	}
	v, err := s.engine.Embed(ctx, r.EmbeddingText())
	if err != nil {
		var ee *embedding.Error
		if errors.As(err, &ee) {
			return nil, err
		}
		return nil, &embedding.Error{Engine: s.engine.Name(), Err: err}
	}
	return v, nil
}

// prepareEmbedding fills r.Embedding when missing. Semantic rules require it;
// regex rules are stored without one when the engine is unavailable.
func (s *Store) prepareEmbedding(ctx context.Context, r *rules.Rule) error {
	if r.Embedding != nil {
		return nil
	}
	v, err := s.embed(ctx, *r)
	if err == nil {
		r.Embedding = v
		return nil
	}
	if r.Kind() == rules.KindSemantic {
		return err
	}
	logging.StoreWarn("regex rule %q stored without embedding: %v", r.Label(), err)
	return nil
}

func (s *Store) modelName() string {
	if s.engine == nil {
		return ""
	}
	return s.engine.Name()
}

// Create validates and inserts a rule, returning its new id. Ids are never
// reused. A semantic rule whose embedding fails is not created.
func (s *Store) Create(ctx context.Context, r rules.Rule) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Create")
	defer timer.Stop()

	if err := r.Validate(); err != nil {
		return 0, err
	}
	r = r.Clone()
	if err := s.prepareEmbedding(ctx, &r); err != nil {
		return 0, err
	}

	var id int64
	err := s.withWriteTx(ctx, "create rule", func(tx *sql.Tx) error {
		var err error
		id, err = s.insertRule(ctx, tx, r)
		return err
	})
	if err != nil {
		return 0, err
	}
	logging.Store("Created %s rule #%d (%s): %s", r.Kind(), id, r.Action, r.Label())
	return id, nil
}

func (s *Store) insertRule(ctx context.Context, tx *sql.Tx, r rules.Rule) (int64, error) {
	pattern, problem, solution := bodyColumns(r)
	now := s.nowNanos()
	res, err := tx.ExecContext(ctx, `INSERT INTO rules
		(kind, pattern, tool, description, problem, solution, action, active, source_session, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		string(r.Kind()), pattern, r.Tool, r.Description, problem, solution,
		string(r.Action), boolInt(r.Active), nullString(r.SourceSession), now, now)
	if err != nil {
		return 0, fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if r.Embedding != nil {
		if err := s.upsertEmbedding(ctx, tx, id, r.Embedding); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func bodyColumns(r rules.Rule) (pattern, problem, solution sql.NullString) {
	switch b := r.Body.(type) {
	case *rules.Regex:
		pattern = sql.NullString{String: b.Pattern, Valid: true}
	case *rules.Semantic:
		problem = sql.NullString{String: b.Problem, Valid: true}
		solution = sql.NullString{String: b.Solution, Valid: true}
	}
	return
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) upsertEmbedding(ctx context.Context, tx *sql.Tx, id int64, v []float32) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO rule_embeddings (rule_id, dim, model, embedding)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET dim = excluded.dim, model = excluded.model, embedding = excluded.embedding`,
		id, len(v), s.modelName(), embedding.EncodeVector(v))
	if err != nil {
		return fmt.Errorf("store embedding for rule #%d: %w", id, err)
	}
	return nil
}

// preparedUpdate is an update computed from a read of version expect.
type preparedUpdate struct {
	next    rules.Rule
	expect  int64
	reembed bool
}

func (s *Store) prepareUpdate(ctx context.Context, id int64, p rules.Patch, sourceSession string) (preparedUpdate, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return preparedUpdate{}, err
	}
	return s.prepareUpdateFrom(ctx, cur, p, sourceSession)
}

// prepareUpdateFrom computes an update against cur, which may be a state the
// caller has not written yet.
func (s *Store) prepareUpdateFrom(ctx context.Context, cur rules.Rule, p rules.Patch, sourceSession string) (preparedUpdate, error) {
	next, err := p.Apply(cur)
	if err != nil {
		return preparedUpdate{}, err
	}
	if sourceSession != "" {
		next.SourceSession = sourceSession
	}
	pu := preparedUpdate{next: next, expect: cur.Version}
	if next.EmbeddingText() != cur.EmbeddingText() || next.Embedding == nil {
		next.Embedding = nil
		if err := s.prepareEmbedding(ctx, &next); err != nil {
			return preparedUpdate{}, err
		}
		pu.next = next
		pu.reembed = true
	}
	return pu, nil
}

func (s *Store) applyUpdate(ctx context.Context, tx *sql.Tx, pu preparedUpdate) error {
	r := pu.next
	pattern, problem, solution := bodyColumns(r)
	res, err := tx.ExecContext(ctx, `UPDATE rules SET
		pattern = ?, tool = ?, description = ?, problem = ?, solution = ?, action = ?, active = ?,
		source_session = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		pattern, r.Tool, r.Description, problem, solution, string(r.Action), boolInt(r.Active),
		nullString(r.SourceSession), s.nowNanos(), r.ID, pu.expect)
	if err != nil {
		return fmt.Errorf("update rule #%d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		if err := tx.QueryRowContext(ctx, "SELECT 1 FROM rules WHERE id = ?", r.ID).Scan(&one); errors.Is(err, sql.ErrNoRows) {
			return ruleNotFound(r.ID)
		}
		return errStale
	}
	if !pu.reembed {
		return nil
	}
	if r.Embedding != nil {
		return s.upsertEmbedding(ctx, tx, r.ID, r.Embedding)
	}
	_, err = tx.ExecContext(ctx, "DELETE FROM rule_embeddings WHERE rule_id = ?", r.ID)
	return err
}

// Update applies a partial change and returns the stored rule. Any change to
// the rule text re-embeds it before the write.
func (s *Store) Update(ctx context.Context, id int64, p rules.Patch) (rules.Rule, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Update")
	defer timer.Stop()

	err := s.retryStale(ctx, "update rule", func() error {
		pu, err := s.prepareUpdate(ctx, id, p, "")
		if err != nil {
			return err
		}
		return s.withWriteTx(ctx, "update rule", func(tx *sql.Tx) error {
			return s.applyUpdate(ctx, tx, pu)
		})
	})
	if err != nil {
		return rules.Rule{}, err
	}
	logging.Store("Updated rule #%d", id)
	return s.Get(ctx, id)
}

// Toggle sets a rule's active flag. It never changes the id.
func (s *Store) Toggle(ctx context.Context, id int64, active bool) error {
	err := s.withWriteTx(ctx, "toggle rule", func(tx *sql.Tx) error {
		return s.toggle(ctx, tx, id, active)
	})
	if err == nil {
		logging.Store("Rule #%d active=%v", id, active)
	}
	return err
}

func (s *Store) toggle(ctx context.Context, tx *sql.Tx, id int64, active bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE rules SET active = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		boolInt(active), s.nowNanos(), id)
	if err != nil {
		return fmt.Errorf("toggle rule #%d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ruleNotFound(id)
	}
	return nil
}

// Delete permanently removes a rule and its embedding. Traces that reference
// it are kept.
func (s *Store) Delete(ctx context.Context, id int64) error {
	err := s.withWriteTx(ctx, "delete rule", func(tx *sql.Tx) error {
		return s.delete(ctx, tx, id)
	})
	if err == nil {
		logging.Store("Deleted rule #%d", id)
	}
	return err
}

func (s *Store) delete(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM rule_embeddings WHERE rule_id = ?", id); err != nil {
		return fmt.Errorf("delete embedding #%d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete rule #%d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ruleNotFound(id)
	}
	return nil
}

// Nearest implements embedding.Searcher: the k rules closest to vec within
// maxDistance, ordered by ascending distance then ascending id. Rules whose
// stored vector has a different dimension are ignored.
func (s *Store) Nearest(ctx context.Context, vec []float32, k int, maxDistance float64, kind rules.Kind) ([]rules.Match, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Nearest")
	defer timer.Stop()

	if k <= 0 || len(vec) == 0 {
		return nil, nil
	}
	args := []any{embedding.EncodeVector(vec), len(vec)}
	kindClause := ""
	if kind != "" {
		kindClause = " AND r.kind = ?"
		args = append(args, string(kind))
	}
	args = append(args, maxDistance, k)

	q := fmt.Sprintf(`SELECT * FROM (
		SELECT %s, e.embedding, %s(e.embedding, ?) AS distance
		FROM rules r JOIN rule_embeddings e ON e.rule_id = r.id
		WHERE e.dim = ?%s
	) WHERE distance <= ? ORDER BY distance ASC, id ASC LIMIT ?`, ruleColumns, distanceFunc, kindClause)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("nearest rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Match
	for rows.Next() {
		var d float64
		r, err := scanRule(rows, true, &d)
		if err != nil {
			return nil, err
		}
		out = append(out, rules.Match{Rule: r, Distance: d})
	}
	return out, rows.Err()
}

// Snapshot is an immutable view of the active rules taken at one instant.
type Snapshot struct {
	Rules   []rules.Rule
	TakenAt time.Time
}

// Snapshot reads every active rule, with embeddings, in one statement.
// Rules written after the read never appear in it.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	rs, err := s.List(ctx, Filter{ActiveOnly: true, WithEmbeddings: true})
	if err != nil {
		return nil, err
	}
	return &Snapshot{Rules: rs, TakenAt: s.now()}, nil
}

// OfKind returns the snapshot's rules of one kind, in ascending id order.
func (sn *Snapshot) OfKind(kind rules.Kind) []rules.Rule {
	var out []rules.Rule
	for _, r := range sn.Rules {
		if r.Kind() == kind {
			out = append(out, r)
		}
	}
	return out
}

// Nearest ranks the snapshot's rules of kind by cosine distance to vec, the
// same metric the store's SQL search uses.
func (sn *Snapshot) Nearest(vec []float32, k int, maxDistance float64, kind rules.Kind) []rules.Match {
	var out []rules.Match
	for _, r := range sn.Rules {
		if kind != "" && r.Kind() != kind {
			continue
		}
		if len(r.Embedding) != len(vec) {
			continue
		}
		d, err := embedding.CosineDistance(vec, r.Embedding)
		if err != nil || d > maxDistance {
			continue
		}
		out = append(out, rules.Match{Rule: r, Distance: d})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Rule.ID < out[j].Rule.ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Reindex embeds every rule whose vector is missing or has the wrong
// dimension for the current engine. It returns the number of rules updated.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	if s.engine == nil {
		return 0, &embedding.Error{Engine: "none", Err: errors.New("no embedding engine configured")}
	}
	all, err := s.List(ctx, Filter{WithEmbeddings: true})
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, r := range all {
		if len(r.Embedding) == s.engine.Dimensions() {
			continue
		}
		v, err := s.embed(ctx, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule #%d: %w", r.ID, err))
			continue
		}
		id := r.ID
		if err := s.withWriteTx(ctx, "reindex rule", func(tx *sql.Tx) error {
			return s.upsertEmbedding(ctx, tx, id, v)
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	logging.Store("Reindexed %d rules (%d failures)", n, len(errs))
	return n, errors.Join(errs...)
}
