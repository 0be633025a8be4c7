package concept

import (
	"context"
	"fmt"
	"sync"

	"github.com/weftworks/weft/internal/value"
)

// Account is the user-account demo concept.
//
// Actions:
//   - register {user, password} -> {user}
//   - authenticate {user, password} -> {user}
//
// Credentials are held in memory and compared directly; hashing schemes
// are out of scope for this concept. Failures are {error: "..."}
// outputs so rule chains can respond with them.
type Account struct {
	mu        sync.Mutex
	passwords map[string]string
}

// NewAccount creates an empty account concept.
func NewAccount() *Account {
	return &Account{passwords: make(map[string]string)}
}

// Invoke implements Invoker.
func (a *Account) Invoke(_ context.Context, action string, input value.Object) (value.Object, error) {
	switch action {
	case "register":
		return a.register(input), nil
	case "authenticate":
		return a.authenticate(input), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func (a *Account) register(input value.Object) value.Object {
	user, ok := stringField(input, "user")
	if !ok {
		return failure("user required")
	}
	password, ok := stringField(input, "password")
	if !ok {
		return failure("password required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.passwords[user]; exists {
		return failure(fmt.Sprintf("user %q already exists", user))
	}
	a.passwords[user] = password

	return value.Object{"user": value.String(user)}
}

func (a *Account) authenticate(input value.Object) value.Object {
	user, ok := stringField(input, "user")
	if !ok {
		return failure("user required")
	}
	password, ok := stringField(input, "password")
	if !ok {
		return failure("password required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	stored, exists := a.passwords[user]
	if !exists || stored != password {
		// One message for both cases; which half failed is not leaked.
		return failure("invalid username or password")
	}

	return value.Object{"user": value.String(user)}
}
