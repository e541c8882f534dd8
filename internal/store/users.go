package store

import "context"

func (s *Store) CreateUser(ctx context.Context, email, hash, org string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash, org_id) VALUES ($1,$2,$3)`, email, hash, org)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, org string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash, org_id FROM users WHERE email=$1`, email).Scan(&id, &hash, &org)
	return
}
