package pti

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegion struct {
	scottish bool
	calls    int
	refs     []string
}

func (f *fakeRegion) IsScottish(_ context.Context, serviceRef string, stopRefs []string) (bool, error) {
	f.calls++
	f.refs = stopRefs
	return f.scottish, nil
}

func readFixture(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("testdata/valid.xml")
	require.NoError(t, err)
	return string(data)
}

func numbers(violations []Violation) []int {
	out := make([]int, 0, len(violations))
	for _, v := range violations {
		out = append(out, v.Observation.Number)
	}
	return out
}

func TestDefaultRules(t *testing.T) {
	rules, err := DefaultRules()
	require.NoError(t, err)
	assert.Len(t, rules.Observations, 12)
	assert.Equal(t, "http://www.transxchange.org.uk/", rules.Header.Namespaces["x"])
}

func TestParseRules_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing header": `{"observations": []}`,
		"unknown field":  `{"header": {"namespaces": {}, "version": "1"}, "observations": [], "extra": 1}`,
		"empty rules": `{"header": {"namespaces": {}, "version": "1"}, "observations": [
			{"number": 1, "details": "d", "category": "c", "reference": "r", "context": "/a", "rules": []}]}`,
		"unknown check": `{"header": {"namespaces": {}, "version": "1"}, "observations": [
			{"number": 1, "details": "d", "category": "c", "reference": "r", "context": "/a", "rules": [{"check": "nope"}]}]}`,
		"bad xpath": `{"header": {"namespaces": {}, "version": "1"}, "observations": [
			{"number": 1, "details": "d", "category": "c", "reference": "r", "context": "/a[", "rules": [{"test": "b"}]}]}`,
		"test and check": `{"header": {"namespaces": {}, "version": "1"}, "observations": [
			{"number": 1, "details": "d", "category": "c", "reference": "r", "context": "/a", "rules": [{"test": "b", "check": "valid_run_time"}]}]}`,
	}
	for name, doc := range cases {
		_, err := ParseRules([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestValidate_Clean(t *testing.T) {
	rules, err := DefaultRules()
	require.NoError(t, err)
	region := &fakeRegion{}

	violations, err := NewValidator(rules, region).Validate(context.Background(), "valid.xml", strings.NewReader(readFixture(t)))
	require.NoError(t, err)
	assert.Empty(t, violations)
	assert.Equal(t, 1, region.calls)
	assert.Equal(t, []string{"0100BRP90312", "0100BRP90340"}, region.refs)
}

func TestValidate_Violations(t *testing.T) {
	rules, err := DefaultRules()
	require.NoError(t, err)
	body := strings.Replace(readFixture(t), `SchemaVersion="2.4"`, `SchemaVersion="2.1"`, 1)
	body = strings.Replace(body, "<DepartureTime>08:00:00</DepartureTime>", "<DepartureTime>25:00:00</DepartureTime>", 1)

	violations, err := NewValidator(rules, &fakeRegion{}).Validate(context.Background(), "bad.xml", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, []int{1, 12}, numbers(violations))

	assert.Equal(t, "TransXChange", violations[0].Name)
	assert.Equal(t, 2, violations[0].Line)
	assert.Equal(t, "bad.xml", violations[0].Filename)
	assert.Equal(t, "VehicleJourney", violations[1].Name)
	assert.Equal(t, 75, violations[1].Line)
	assert.Equal(t, "Vehicle Journeys", violations[1].Observation.Category)
}

func TestValidate_ScottishBankHolidays(t *testing.T) {
	rules, err := DefaultRules()
	require.NoError(t, err)

	violations, err := NewValidator(rules, &fakeRegion{scottish: true}).Validate(context.Background(), "valid.xml", strings.NewReader(readFixture(t)))
	require.NoError(t, err)
	assert.Equal(t, []int{9}, numbers(violations))
}

func TestValidate_UnregisteredServiceNeedsNoLicence(t *testing.T) {
	rules, err := DefaultRules()
	require.NoError(t, err)
	body := strings.Replace(readFixture(t), "<ServiceCode>PB0002032:603</ServiceCode>", "<ServiceCode>UZ000FBRI:603</ServiceCode>", 1)
	body = strings.Replace(body, "<LicenceNumber>PB0002032</LicenceNumber>", "", 1)

	violations, err := NewValidator(rules, &fakeRegion{}).Validate(context.Background(), "valid.xml", strings.NewReader(body))
	require.NoError(t, err)
	assert.Empty(t, violations)

	body = strings.Replace(body, "<ServiceCode>UZ000FBRI:603</ServiceCode>", "<ServiceCode>PB0002032:603</ServiceCode>", 1)
	violations, err = NewValidator(rules, &fakeRegion{}).Validate(context.Background(), "valid.xml", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, []int{5}, numbers(violations))
}

func TestValidate_StopsWhenContextDone(t *testing.T) {
	rules, err := DefaultRules()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewValidator(rules, &fakeRegion{}).Validate(ctx, "valid.xml", strings.NewReader(readFixture(t)))
	assert.True(t, errors.Is(err, context.Canceled))
}

type failingRegion struct{}

func (failingRegion) IsScottish(context.Context, string, []string) (bool, error) {
	return false, errors.New("catalog unavailable")
}

func TestValidate_RegionErrorPropagates(t *testing.T) {
	rules, err := DefaultRules()
	require.NoError(t, err)

	_, err = NewValidator(rules, failingRegion{}).Validate(context.Background(), "valid.xml", strings.NewReader(readFixture(t)))
	assert.EqualError(t, err, "observation 9: catalog unavailable")
}
