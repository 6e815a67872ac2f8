package gateway

import (
	"context"
	"errors"
	"testing"
)

type statusErr struct {
	code int
}

func (e statusErr) Error() string     { return "status" }
func (e statusErr) ClientError() bool { return e.code == 400 }

func noShuffle(int, func(i, j int)) {}

func TestDo_FirstSuccessWins(t *testing.T) {
	g := New([]string{"k1", "k2", "k3"}, WithShuffle(noShuffle))
	var tried []string
	err := g.Do(context.Background(), func(_ context.Context, key string) error {
		tried = append(tried, key)
		if key == "k2" {
			return nil
		}
		return statusErr{code: 500}
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(tried) != 2 || tried[0] != "k1" || tried[1] != "k2" {
		t.Fatalf("tried = %v", tried)
	}
}

func TestDo_ClientErrorAbortsImmediately(t *testing.T) {
	g := New([]string{"k1", "k2", "k3"})
	attempts := 0
	err := g.Do(context.Background(), func(context.Context, string) error {
		attempts++
		return statusErr{code: 400}
	})
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt, got %d", attempts)
	}
	if !errors.Is(err, ErrRejected) || errors.Is(err, ErrExhausted) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	var se statusErr
	if !errors.As(err, &se) {
		t.Fatalf("original error not preserved: %v", err)
	}
}

func TestDo_AllFailIsExhausted(t *testing.T) {
	g := New([]string{"k1", "k2"})
	attempts := 0
	err := g.Do(context.Background(), func(context.Context, string) error {
		attempts++
		return statusErr{code: 503}
	})
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	var ex *ExhaustedError
	if !errors.Is(err, ErrExhausted) || !errors.As(err, &ex) || ex.Attempts != 2 {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if errors.Is(err, ErrRejected) {
		t.Fatalf("exhaustion must be distinct from rejection")
	}
}

func TestDo_EmptyPool(t *testing.T) {
	if err := New(nil).Do(context.Background(), func(context.Context, string) error { return nil }); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestDo_CanceledContextStops(t *testing.T) {
	g := New([]string{"k1", "k2", "k3"})
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := g.Do(ctx, func(context.Context, string) error {
		attempts++
		cancel()
		return errors.New("connection reset")
	})
	if !errors.Is(err, context.Canceled) || attempts != 1 {
		t.Fatalf("err=%v attempts=%d", err, attempts)
	}
}

func TestDo_ShufflesCopyOnly(t *testing.T) {
	keys := []string{"a", "b", "c"}
	reverse := func(n int, swap func(i, j int)) {
		for i := 0; i < n/2; i++ {
			swap(i, n-1-i)
		}
	}
	g := New(keys, WithShuffle(reverse))
	var first string
	_ = g.Do(context.Background(), func(_ context.Context, key string) error {
		first = key
		return nil
	})
	if first != "c" {
		t.Fatalf("expected shuffled order to start with c, got %q", first)
	}
	if g.keys[0] != "a" || keys[0] != "a" {
		t.Fatalf("pool was mutated: %v", g.keys)
	}
}

func TestParseKeyPool(t *testing.T) {
	cases := []struct {
		pool, single string
		want         int
	}{
		{"a, b ,,c", "z", 3},
		{"", "z", 1},
		{"  ", " ", 0},
	}
	for _, c := range cases {
		if got := ParseKeyPool(c.pool, c.single); len(got) != c.want {
			t.Fatalf("ParseKeyPool(%q,%q) = %v", c.pool, c.single, got)
		}
	}
}

func TestMask(t *testing.T) {
	if got := Mask("AIzaSyABCDEFGHIJ1234"); got != "AIzaS...1234" {
		t.Fatalf("Mask = %q", got)
	}
	if got := Mask("short"); got != "***" {
		t.Fatalf("Mask short = %q", got)
	}
}
