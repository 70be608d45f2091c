package security

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/common/stats"
)

func newTestManager(t *testing.T) (*Manager, *MockProvider, *clock.Mock, *gomock.Controller) {
	ctrl := gomock.NewController(t)
	mock := clock.NewMock()
	m := NewManager(mock, time.Minute, stats.DefaultStatsReceiver())
	p := NewMockProvider(ctrl)
	m.Register("myproxy", p)
	return m, p, mock, ctrl
}

func TestAcquireCaches(t *testing.T) {
	m, p, clk, ctrl := newTestManager(t)
	defer ctrl.Finish()

	params := Params{Identity: "u1", Secret: []byte("pw")}
	p.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(Credential{Material: []byte("PROXY"), Expiry: clk.Now().Add(time.Hour)}, nil).Times(1)

	sc1, err := m.Acquire(context.Background(), "myproxy", params)
	require.NoError(t, err)
	sc2, err := m.Acquire(context.Background(), "myproxy", params)
	require.NoError(t, err)
	assert.True(t, sc1 == sc2)
	assert.True(t, m.IsValid(sc1, clk.Now()))
	assert.False(t, m.IsValid(sc1, clk.Now().Add(2*time.Hour)))
}

func TestConcurrentAcquireFetchesOnce(t *testing.T) {
	m, p, clk, ctrl := newTestManager(t)
	defer ctrl.Finish()

	p.EXPECT().Fetch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, params Params) (Credential, error) {
			time.Sleep(20 * time.Millisecond)
			return Credential{Material: []byte("PROXY"), Expiry: clk.Now().Add(time.Hour)}, nil
		}).Times(1)

	var wg sync.WaitGroup
	got := make([]*Context, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc, err := m.Acquire(context.Background(), "myproxy", Params{Identity: "u1"})
			assert.NoError(t, err)
			got[i] = sc
		}(i)
	}
	wg.Wait()
	for _, sc := range got {
		assert.True(t, sc == got[0])
	}
}

func TestRenewSwapsMaterial(t *testing.T) {
	m, p, clk, ctrl := newTestManager(t)
	defer ctrl.Finish()

	gomock.InOrder(
		p.EXPECT().Fetch(gomock.Any(), gomock.Any()).
			Return(Credential{Material: []byte("OLD"), Expiry: clk.Now().Add(time.Hour)}, nil),
		p.EXPECT().Fetch(gomock.Any(), gomock.Any()).
			Return(Credential{Material: []byte("NEW"), Expiry: clk.Now().Add(3 * time.Hour)}, nil),
	)

	sc, err := m.Acquire(context.Background(), "myproxy", Params{Identity: "u1", Secret: []byte("pw")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sc.Version())

	// Still valid: nothing is fetched.
	require.NoError(t, m.Renew(context.Background(), sc))

	clk.Add(2 * time.Hour)
	assert.False(t, sc.Valid(clk.Now()))
	require.NoError(t, m.Renew(context.Background(), sc))
	assert.Equal(t, uint64(2), sc.Version())
	assert.True(t, sc.Valid(clk.Now()))
	require.NoError(t, sc.Use(func(material []byte) error {
		assert.Equal(t, "NEW", string(material))
		return nil
	}))
}

func TestConcurrentRenewFetchesOnce(t *testing.T) {
	m, p, clk, ctrl := newTestManager(t)
	defer ctrl.Finish()

	p.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(Credential{Material: []byte("OLD"), Expiry: clk.Now().Add(time.Hour)}, nil)
	sc, err := m.Acquire(context.Background(), "myproxy", Params{Identity: "u1"})
	require.NoError(t, err)
	clk.Add(2 * time.Hour)

	p.EXPECT().Fetch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, params Params) (Credential, error) {
			time.Sleep(20 * time.Millisecond)
			return Credential{Material: []byte("NEW"), Expiry: clk.Now().Add(time.Hour)}, nil
		}).Times(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Renew(context.Background(), sc))
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(2), sc.Version())
}

func TestRenewRejected(t *testing.T) {
	m, p, clk, ctrl := newTestManager(t)
	defer ctrl.Finish()

	p.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(Credential{Material: []byte("OLD"), Expiry: clk.Now().Add(time.Hour)}, nil)
	sc, err := m.Acquire(context.Background(), "myproxy", Params{Identity: "u1"})
	require.NoError(t, err)

	clk.Add(2 * time.Hour)
	p.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(Credential{}, fmt.Errorf("bad passphrase"))
	err = m.Renew(context.Background(), sc)
	assert.True(t, errors.IsKind(err, errors.Credential))
	assert.False(t, sc.Valid(clk.Now()))
}

func TestAcquireUnknownScheme(t *testing.T) {
	m, _, _, ctrl := newTestManager(t)
	defer ctrl.Finish()
	_, err := m.Acquire(context.Background(), "kerberos", Params{Identity: "u1"})
	assert.True(t, errors.IsKind(err, errors.Credential))
}

func TestReleaseZeroesMaterial(t *testing.T) {
	sc := NewContext("sshkey", "u1", Credential{Material: []byte("SECRET")})
	internal := sc.material
	assert.True(t, sc.Valid(time.Now()))
	assert.False(t, strings.Contains(sc.String(), "SECRET"))

	sc.Release()
	assert.Equal(t, make([]byte, 6), internal)
	assert.False(t, sc.Valid(time.Now()))
	assert.True(t, errors.IsKind(sc.Use(func([]byte) error { return nil }), errors.Credential))
	assert.True(t, errors.IsKind(sc.Check(time.Now()), errors.Credential))
}

func TestCloseReleasesEverything(t *testing.T) {
	m, p, clk, ctrl := newTestManager(t)
	defer ctrl.Finish()
	p.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(Credential{Material: []byte("PROXY"), Expiry: clk.Now().Add(time.Hour)}, nil)
	secret := []byte("pw")
	sc, err := m.Acquire(context.Background(), "myproxy", Params{Identity: "u1", Secret: secret})
	require.NoError(t, err)

	m.Close()
	assert.False(t, sc.Valid(clk.Now()))
	// The caller's secret is its own; only the Manager's copy is zeroed.
	assert.Equal(t, "pw", string(secret))
}

func TestNeverExpiring(t *testing.T) {
	sc := NewContext("sshkey", "u1", Credential{Material: []byte("KEY")})
	assert.True(t, sc.Valid(time.Now().Add(100*365*24*time.Hour)))
	assert.Contains(t, sc.String(), "expires never")
}

func TestRenewToExpiredCredentialFails(t *testing.T) {
	m, p, clk, ctrl := newTestManager(t)
	defer ctrl.Finish()

	p.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(Credential{Material: []byte("OLD"), Expiry: clk.Now().Add(time.Hour)}, nil)
	sc, err := m.Acquire(context.Background(), "myproxy", Params{Identity: "u1"})
	require.NoError(t, err)

	clk.Add(2 * time.Hour)
	p.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(Credential{Material: []byte("STALE"), Expiry: clk.Now().Add(-time.Minute)}, nil)
	err = m.Renew(context.Background(), sc)
	assert.True(t, errors.IsKind(err, errors.Credential), "got %v", err)
	assert.False(t, sc.Valid(clk.Now()))
	stats.VerifyStats("renew", m.stat, t, map[string]stats.Rule{
		"security/" + stats.SecurityRenewErrCounter: {Checker: stats.Int64EqTest, Value: 1},
	})
}

func TestAcquireRejectsExpiredCredential(t *testing.T) {
	m, p, clk, ctrl := newTestManager(t)
	defer ctrl.Finish()

	p.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(Credential{Material: []byte("STALE"), Expiry: clk.Now()}, nil)
	_, err := m.Acquire(context.Background(), "myproxy", Params{Identity: "u1"})
	assert.True(t, errors.IsKind(err, errors.Credential), "got %v", err)

	// Nothing was cached, the next Acquire fetches again.
	p.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(Credential{Material: []byte("PROXY"), Expiry: clk.Now().Add(time.Hour)}, nil)
	_, err = m.Acquire(context.Background(), "myproxy", Params{Identity: "u1"})
	assert.NoError(t, err)
}

func TestCanceledWaiterDoesNotFailOthers(t *testing.T) {
	m, p, clk, ctrl := newTestManager(t)
	defer ctrl.Finish()

	started := make(chan struct{})
	release := make(chan struct{})
	p.EXPECT().Fetch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, params Params) (Credential, error) {
			close(started)
			<-release
			if err := ctx.Err(); err != nil {
				return Credential{}, err
			}
			return Credential{Material: []byte("PROXY"), Expiry: clk.Now().Add(time.Hour)}, nil
		}).Times(1)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "myproxy", Params{Identity: "u1"})
		first <- err
	}()
	<-started
	second := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "myproxy", Params{Identity: "u1"})
		second <- err
	}()

	cancel()
	err := <-first
	assert.True(t, errors.IsKind(err, errors.Canceled), "got %v", err)
	close(release)
	assert.NoError(t, <-second)
}
