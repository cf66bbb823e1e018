package confirm

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmsas95/medassist/internal/inference"
)

func newTestStore(ttl time.Duration) *Store {
	return NewStore(ttl, prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_pending"}))
}

func TestPutTake(t *testing.T) {
	s := newTestStore(30 * time.Minute)

	token := s.Put(Pending{
		Owner:      42,
		Medication: &inference.ProposedMedication{Name: "Lisinopril", Dosage: "5mg"},
	})
	require.NotEmpty(t, token)

	p, err := s.Take(42, token)
	require.NoError(t, err)
	assert.Equal(t, "Lisinopril", p.Medication.Name)

	// A taken proposal is gone.
	_, err = s.Take(42, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLastProposalWins(t *testing.T) {
	s := newTestStore(30 * time.Minute)

	first := s.Put(Pending{Owner: 42, Medication: &inference.ProposedMedication{Name: "Old"}})
	second := s.Put(Pending{Owner: 42, Medication: &inference.ProposedMedication{Name: "New"}})

	_, err := s.Take(42, first)
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := s.Take(42, second)
	require.NoError(t, err)
	assert.Equal(t, "New", p.Medication.Name)
}

func TestOwnersAreIndependent(t *testing.T) {
	s := newTestStore(30 * time.Minute)

	t1 := s.Put(Pending{Owner: 1, Medication: &inference.ProposedMedication{Name: "A"}})
	t2 := s.Put(Pending{Owner: 2, Medication: &inference.ProposedMedication{Name: "B"}})

	// Someone else's token does not match.
	_, err := s.Take(1, t2)
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := s.Take(1, t1)
	require.NoError(t, err)
	assert.Equal(t, "A", p.Medication.Name)
}

func TestTakeExpired(t *testing.T) {
	s := newTestStore(time.Minute)

	token := s.Put(Pending{
		Owner:      42,
		CreatedAt:  time.Now().Add(-2 * time.Minute),
		Medication: &inference.ProposedMedication{Name: "Stale"},
	})

	_, err := s.Take(42, token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestSweep(t *testing.T) {
	s := newTestStore(time.Minute)

	s.Put(Pending{Owner: 1, CreatedAt: time.Now().Add(-5 * time.Minute), Medication: &inference.ProposedMedication{Name: "Old"}})
	fresh := s.Put(Pending{Owner: 2, Medication: &inference.ProposedMedication{Name: "Fresh"}})

	assert.Equal(t, 1, s.Sweep(time.Now()))

	_, err := s.Take(1, "anything")
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := s.Take(2, fresh)
	require.NoError(t, err)
	assert.Equal(t, "Fresh", p.Medication.Name)
}
