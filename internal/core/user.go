package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/edvin/autoflow/internal/db"
	"github.com/edvin/autoflow/internal/model"
)

type UserService struct {
	db db.DB
}

func NewUserService(db db.DB) *UserService {
	return &UserService{db: db}
}

// Ensure returns the user with the given email, creating it on the given
// plan if it does not exist yet.
func (s *UserService) Ensure(ctx context.Context, email, name, planID string) (*model.User, error) {
	u := &model.User{
		ID:     uuid.New().String(),
		Email:  strings.ToLower(strings.TrimSpace(email)),
		Name:   name,
		PlanID: planID,
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		 RETURNING id, created_at`,
		u.ID, u.Email, u.Name,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure user %s: %w", u.Email, err)
	}
	if err := s.SetPlan(ctx, u.ID, planID); err != nil {
		return nil, err
	}
	return u, nil
}

// SetPlan assigns the user's plan.
func (s *UserService) SetPlan(ctx context.Context, userID, planID string) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO user_plans (user_id, plan_id, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET plan_id = EXCLUDED.plan_id, updated_at = now()`,
		userID, planID,
	); err != nil {
		return fmt.Errorf("set plan of user %s: %w", userID, err)
	}
	return nil
}
