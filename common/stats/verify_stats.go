package stats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
)

/*
Utilities for validating the stats registry contents from tests.
*/

type RuleChecker struct {
	name    string
	checker func(got, expected interface{}) bool
}

// Int64EqTest passes when the rendered value equals the expected int.
var Int64EqTest = RuleChecker{name: "Int64EqTest", checker: func(got, expected interface{}) bool {
	g, ok := got.(int64)
	return ok && g == int64(expected.(int))
}}

// Int64GTETest passes when the rendered value is at least the expected int.
var Int64GTETest = RuleChecker{name: "Int64GTETest", checker: func(got, expected interface{}) bool {
	g, ok := got.(int64)
	return ok && g >= int64(expected.(int))
}}

var DoesNotExistTest = RuleChecker{name: "NotExistCheck", checker: func(got, _ interface{}) bool {
	return got == nil
}}

// Rule pairs a checker with the expected value it is applied to.
type Rule struct {
	Checker RuleChecker
	Value   interface{}
}

/*
VerifyStats checks that every key in contains is present in stat (or absent, for DoesNotExistTest)
and satisfies its rule. stat must have been built with DefaultStatsReceiver.
*/
func VerifyStats(tag string, stat StatsReceiver, t *testing.T, contains map[string]Rule) {
	t.Helper()
	dsr, ok := stat.(*defaultStatsReceiver)
	if !ok {
		t.Fatalf("%s: cannot verify a %T", tag, stat)
	}
	all := flatten(dsr.registry)
	var msg bytes.Buffer
	failed := false
	for key, rule := range contains {
		got := all[key]
		if !rule.Checker.checker(got, rule.Value) {
			failed = true
			fmt.Fprintf(&msg, "%s: got %v, expected to pass %s with %v\n", key, got, rule.Checker.name, rule.Value)
		}
	}
	if failed {
		pretty, _ := json.MarshalIndent(all, "", "  ")
		t.Errorf("%s: stats registry error:\n%s%s", tag, msg.String(), pretty)
	}
}
