package scorer

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"go.uber.org/zap"

	"risk-engine/internal/features"
	"risk-engine/pkg/db"
	"risk-engine/pkg/logger"
)

func init() {
	logger.SetForTest(zap.NewNop())
}

func newTestStore(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return database
}

func TestScoreBounded(t *testing.T) {
	s := New(newTestStore(t))
	rng := rand.New(rand.NewSource(1))
	heavy := Weights{Version: 2, Bias: 3, Values: map[string]float64{}}
	for _, n := range features.Names {
		heavy.Values[n] = 50
	}
	if err := s.Replace(context.Background(), heavy); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	for i := 0; i < 1000; i++ {
		v := features.Vector{
			Momentum:      rng.Float64()*2 - 1,
			RSICentered:   rng.Float64()*2 - 1,
			VWAPDeviation: rng.Float64()*2 - 1,
			ATRRegime:     rng.Float64(),
			MicroTrend:    rng.Float64()*2 - 1,
		}
		got := s.Score(v)
		if got < -1 || got > 1 || math.IsNaN(got) {
			t.Fatalf("Score=%v out of [-1,1]", got)
		}
	}
}

func TestScoreDefaultWeights(t *testing.T) {
	s := New(newTestStore(t))
	v := features.Vector{Momentum: 0.5, RSICentered: 0.2, VWAPDeviation: -0.1, ATRRegime: 0.5, MicroTrend: 0.3}
	want := math.Tanh(1.2*0.5 + 0.8*0.2 + 0.7*-0.1 - 0.4*0.5 + 0.9*0.3)
	if got := s.Score(v); math.Abs(got-want) > 1e-12 {
		t.Fatalf("Score=%v, expected %v", got, want)
	}
	if s.Score(v) != s.Score(v) {
		t.Fatalf("Score not deterministic")
	}
}

func TestLoadSeedsAndRestores(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := New(store)
	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	next := DefaultWeights()
	next.Version = 5
	next.Values[features.Momentum] = 2
	if err := s.Replace(ctx, next); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	restarted := New(store)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load after restart: %v", err)
	}
	cur := restarted.Current()
	if cur.Version != 5 || cur.Values[features.Momentum] != 2 {
		t.Fatalf("restored=%+v, expected v5", cur)
	}
}

func TestReplaceRejects(t *testing.T) {
	s := New(newTestStore(t))
	ctx := context.Background()

	stale := DefaultWeights()
	if err := s.Replace(ctx, stale); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("err=%v, expected ErrStaleVersion", err)
	}
	unknown := Weights{Version: 9, Values: map[string]float64{"orderbook": 1}}
	if err := s.Replace(ctx, unknown); err == nil {
		t.Fatalf("unknown feature accepted")
	}
	if s.Current().Version != 1 {
		t.Fatalf("version=%d after rejected replaces, expected 1", s.Current().Version)
	}
}

type failingStore struct{ *db.Database }

func (failingStore) InsertWeights(context.Context, db.Weights) error {
	return errors.New("disk full")
}

func TestReplaceKeepsOldWeightsWhenPersistFails(t *testing.T) {
	s := New(failingStore{newTestStore(t)})
	next := DefaultWeights()
	next.Version = 2
	if err := s.Replace(context.Background(), next); err == nil {
		t.Fatalf("Replace succeeded despite store failure")
	}
	if s.Current().Version != 1 {
		t.Fatalf("weights swapped before persistence")
	}
}

func TestConcurrentScoreDuringReplace(t *testing.T) {
	s := New(newTestStore(t))
	v := features.Vector{Momentum: 1, RSICentered: 1, VWAPDeviation: 1, ATRRegime: 0, MicroTrend: 1}
	allowed := map[float64]bool{s.Score(v): true}

	// Every version scales all weights together, so a torn read would produce a score
	// matching neither version.
	var versions []Weights
	for i := int64(2); i <= 20; i++ {
		w := Weights{Version: i, Values: map[string]float64{}}
		for _, n := range features.Names {
			w.Values[n] = 0.01 * float64(i)
		}
		versions = append(versions, w)
		allowed[score(&w, v)] = true
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	bad := make(chan float64, 1)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if got := s.Score(v); !allowed[got] {
					select {
					case bad <- got:
					default:
					}
					return
				}
			}
		}()
	}
	for _, w := range versions {
		if err := s.Replace(context.Background(), w); err != nil {
			t.Fatalf("Replace v%d: %v", w.Version, err)
		}
	}
	close(stop)
	wg.Wait()
	select {
	case got := <-bad:
		t.Fatalf("observed torn score %v", got)
	default:
	}
}
