package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veriproof/engine/pkg/challenge"
	"github.com/veriproof/engine/pkg/puzzletype"
)

// ChallengeStore is a pgx/v5-backed challenge.Store. MarkUsed and
// DeleteIfNoVerifications rely on the UPDATE/DELETE ... RETURNING idiom for
// their compare-and-swap semantics, since the single-use guard must be
// atomic at the store level when a pool is shared by multiple server
// processes.
type ChallengeStore struct {
	pool *pgxpool.Pool
}

var _ challenge.Store = (*ChallengeStore)(nil)

func NewChallengeStore(pool *pgxpool.Pool) *ChallengeStore {
	return &ChallengeStore{pool: pool}
}

func (s *ChallengeStore) Create(ctx context.Context, c *challenge.Challenge) error {
	data, err := json.Marshal(c.Data)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO challenges
			(id, token, puzzle_type, difficulty, data, api_key_id, validated_domain,
			 signature, device_fingerprint_hash, session_fingerprint_hash, is_used,
			 created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.Token, string(c.Type), c.Difficulty, data, c.APIKeyID, c.ValidatedDomain,
		c.Signature, c.DeviceFingerprintHash, c.SessionFingerprintHash, c.IsUsed,
		c.CreatedAt, c.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return challenge.ErrTokenExists
		}
		return err
	}
	return nil
}

func scanChallenge(row pgx.Row) (*challenge.Challenge, error) {
	var (
		c          challenge.Challenge
		puzzleType string
		data       []byte
	)

	err := row.Scan(&c.ID, &c.Token, &puzzleType, &c.Difficulty, &data, &c.APIKeyID,
		&c.ValidatedDomain, &c.Signature, &c.DeviceFingerprintHash, &c.SessionFingerprintHash,
		&c.IsUsed, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, challenge.ErrNotFound
		}
		return nil, err
	}

	c.Type = puzzletype.PuzzleType(puzzleType)
	if err := json.Unmarshal(data, &c.Data); err != nil {
		return nil, err
	}

	return &c, nil
}

const selectChallengeColumns = `id, token, puzzle_type, difficulty, data, api_key_id, validated_domain,
	signature, device_fingerprint_hash, session_fingerprint_hash, is_used, created_at, expires_at`

func (s *ChallengeStore) GetByToken(ctx context.Context, token string) (*challenge.Challenge, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectChallengeColumns+` FROM challenges WHERE token = $1`, token)
	return scanChallenge(row)
}

func (s *ChallengeStore) GetByID(ctx context.Context, id string) (*challenge.Challenge, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectChallengeColumns+` FROM challenges WHERE id = $1`, id)
	return scanChallenge(row)
}

func (s *ChallengeStore) MarkUsed(ctx context.Context, id string) (bool, error) {
	var marked bool
	err := s.pool.QueryRow(ctx, `
		UPDATE challenges SET is_used = TRUE
		WHERE id = $1 AND is_used = FALSE
		RETURNING TRUE`, id).Scan(&marked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.GetByID(ctx, id); getErr != nil {
				return false, getErr
			}
			return false, nil
		}
		return false, err
	}
	return marked, nil
}

func (s *ChallengeStore) MarkVerified(ctx context.Context, id string) {
	_, _ = s.pool.Exec(ctx, `UPDATE challenges SET verified = TRUE WHERE id = $1`, id)
}

func (s *ChallengeStore) DeleteIfNoVerifications(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.pool.QueryRow(ctx, `
		DELETE FROM challenges WHERE id = $1 AND verified = FALSE
		RETURNING TRUE`, id).Scan(&deleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.GetByID(ctx, id); getErr != nil {
				return false, getErr
			}
			return false, nil
		}
		return false, err
	}
	return deleted, nil
}

func (s *ChallengeStore) Sweep(ctx context.Context, now time.Time, verificationGrace time.Duration) int {
	graceThreshold := now.Add(-verificationGrace)

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM challenges
		WHERE expires_at < $1
		  AND (expires_at <= $2 OR (is_used AND NOT verified))`,
		now, graceThreshold)
	if err != nil {
		return 0
	}
	return int(tag.RowsAffected())
}

func (s *ChallengeStore) Len() int {
	var count int
	_ = s.pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM challenges`).Scan(&count)
	return count
}

// Close releases the underlying connection pool. cmd/server calls this
// during shutdown when it built a Postgres-backed store.
func (s *ChallengeStore) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
