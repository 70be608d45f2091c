package stats

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestScopeChange(t *testing.T) {
	stat := DefaultStatsReceiver().(*defaultStatsReceiver)
	if len(stat.scope) != 0 {
		t.Fatal("Default scope should be empty.")
	}

	statp := stat.Scope("a/b", "c").(*defaultStatsReceiver)
	if len(stat.scope) != 0 {
		t.Fatal("Default scope should still be empty.")
	}
	if len(statp.scope) != 2 || statp.scope[0] != "a_SLASH_b" || statp.scope[1] != "c" {
		t.Fatal("Invalid scope value: ", statp.scope)
	}
	if statp.scopedName("d") != "a_SLASH_b/c/d" {
		t.Fatal("Invalid scope name: " + statp.scopedName("d"))
	}
}

func TestSiblingScopesDoNotAlias(t *testing.T) {
	base := DefaultStatsReceiver().Scope("orchestrator")
	slurm := base.Scope("slurm").(*defaultStatsReceiver)
	pbs := base.Scope("pbs").(*defaultStatsReceiver)
	if slurm.scopedName("x") != "orchestrator/slurm/x" || pbs.scopedName("x") != "orchestrator/pbs/x" {
		t.Fatal("Scopes aliased: ", slurm.scope, pbs.scope)
	}
}

func TestCountersAccumulate(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Counter("c").Inc(1)
	stat.Counter("c").Inc(2)
	stat.Gauge("g").Update(7)
	VerifyStats("accumulate", stat, t, map[string]Rule{
		"c":       {Checker: Int64EqTest, Value: 3},
		"g":       {Checker: Int64EqTest, Value: 7},
		"missing": {Checker: DoesNotExistTest},
	})
	stat.Scope("a").Counter("c").Inc(1)
	VerifyStats("scoped", stat, t, map[string]Rule{
		"c":   {Checker: Int64EqTest, Value: 3},
		"a/c": {Checker: Int64EqTest, Value: 1},
	})
}

func TestLatencyWithMockClock(t *testing.T) {
	mock := clock.NewMock()
	Clock = mock
	defer func() { Clock = clock.New() }()

	stat := DefaultStatsReceiver()
	l := stat.Latency("latency").Time()
	mock.Add(5 * time.Millisecond)
	l.Stop()
	l = stat.Latency("latency").Time()
	mock.Add(10 * time.Millisecond)
	l.Stop()

	VerifyStats("latency", stat, t, map[string]Rule{
		"latency.count": {Checker: Int64EqTest, Value: 2},
		"latency.max":   {Checker: Int64EqTest, Value: 10},
		"latency.min":   {Checker: Int64EqTest, Value: 5},
		"latency.sum":   {Checker: Int64EqTest, Value: 15},
	})
}

func TestRender(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Counter("counter").Inc(1)
	if rendered := string(stat.Render(false)); rendered != `{"counter":1}` {
		t.Fatal("Unexpected render: ", rendered)
	}
	if rendered := string(NilStatsReceiver().Render(true)); rendered != "{}" {
		t.Fatal("Nil receiver should render empty: ", rendered)
	}
}
