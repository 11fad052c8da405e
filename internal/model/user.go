package model

import "time"

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	PlanID    string    `json:"plan_id"`
	CreatedAt time.Time `json:"created_at"`
}
