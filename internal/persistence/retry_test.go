package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("no such table: turns"), false},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{errors.New("SQLITE_BUSY (5)"), true},
		{errors.New("SQLITE_LOCKED (6)"), true},
		{fmt.Errorf("insert turn: %w", errors.New("database is locked")), true},
	}
	for _, tt := range tests {
		if got := isSQLiteBusy(tt.err); got != tt.want {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	locked := errors.New("database is locked")
	tests := []struct {
		name       string
		maxRetries int
		failures   int
		failWith   error
		wantCalls  int
		wantErr    bool
	}{
		{"first try", 3, 0, nil, 1, false},
		{"non-busy error is not retried", 3, 1, errors.New("constraint failed"), 1, true},
		{"busy then success", 3, 2, locked, 3, false},
		{"retries exhausted", 2, 10, locked, 3, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.maxRetries, func() error {
				calls++
				if calls <= tc.failures {
					return tc.failWith
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
