package capsule

import "time"

// User is the minimal owner record the delivery pipeline needs: an identity
// and an account email used as the implicit delivery fallback. Profile and
// subscription data live outside this daemon.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
