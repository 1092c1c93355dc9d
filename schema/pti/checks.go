package pti

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"

	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/txc"
)

// Document is the parsed file a check runs against.
type Document struct {
	ctx    context.Context
	root   *xmlquery.Node
	region RegionLookup

	stopRefs []string
}

// CheckFunc reports whether node satisfies a rule that XPath alone cannot
// express.
type CheckFunc func(doc *Document, node *xmlquery.Node) (bool, error)

var checks = map[string]CheckFunc{
	"validate_modification_date_time":  validateModificationDateTime,
	"has_valid_service_code":           hasValidServiceCode,
	"has_licence_number_if_registered": hasLicenceNumberIfRegistered,
	"valid_departure_time":             validDepartureTime,
	"valid_run_time":                   validRunTime,
	"bank_holidays_for_region":         bankHolidaysForRegion,
}

var (
	registeredServiceCode   = regexp.MustCompile(`^[A-Z]{2}\d{7}:[a-zA-Z0-9]+$`)
	unregisteredServiceCode = regexp.MustCompile(`^UZ[a-zA-Z0-9]{7}:[a-zA-Z0-9]+$`)
)

var (
	englishBankHolidays = []string{
		"ChristmasDay", "BoxingDay", "GoodFriday", "NewYearsDay",
		"LateSummerBankHolidayNotScotland", "MayDay", "EasterMonday", "SpringBank",
	}
	scottishBankHolidays = []string{
		"ChristmasDay", "BoxingDay", "GoodFriday", "NewYearsDay",
		"Jan2ndScotland", "StAndrewsDay", "AugustBankHolidayScotland", "MayDay", "SpringBank",
	}
)

func child(n *xmlquery.Node, name string) *xmlquery.Node {
	if n == nil {
		return nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && c.Data == name {
			return c
		}
	}
	return nil
}

func descendants(n *xmlquery.Node, name string, out []*xmlquery.Node) []*xmlquery.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode {
			continue
		}
		if c.Data == name {
			out = append(out, c)
		}
		out = descendants(c, name, out)
	}
	return out
}

func text(n *xmlquery.Node) string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.InnerText())
}

func (d *Document) StopRefs() []string {
	if d.stopRefs != nil {
		return d.stopRefs
	}
	seen := make(map[string]bool)
	d.stopRefs = make([]string, 0)
	for _, points := range descendants(d.root, "StopPoints", nil) {
		for _, ref := range descendants(points, "StopPointRef", nil) {
			if code := text(ref); code != "" && !seen[code] {
				seen[code] = true
				d.stopRefs = append(d.stopRefs, code)
			}
		}
	}
	return d.stopRefs
}

// validateModificationDateTime requires a revised file to be modified after
// it was created and a new file to carry equal timestamps.
func validateModificationDateTime(_ *Document, node *xmlquery.Node) (bool, error) {
	created := parseTimestamp(node.SelectAttr("CreationDateTime"))
	modified := parseTimestamp(node.SelectAttr("ModificationDateTime"))
	if created == nil || modified == nil {
		return false, nil
	}
	switch node.SelectAttr("Modification") {
	case "new":
		return created.Equal(*modified), nil
	case "revise":
		return modified.After(*created), nil
	}
	return true, nil
}

func hasValidServiceCode(_ *Document, node *xmlquery.Node) (bool, error) {
	code := text(child(node, "ServiceCode"))
	return registeredServiceCode.MatchString(code) || unregisteredServiceCode.MatchString(code), nil
}

// hasLicenceNumberIfRegistered requires registered services to name an
// operator carrying a licence number.
func hasLicenceNumberIfRegistered(doc *Document, node *xmlquery.Node) (bool, error) {
	code := text(child(node, "ServiceCode"))
	if unregisteredServiceCode.MatchString(code) {
		return true, nil
	}
	for _, licence := range descendants(doc.root, "LicenceNumber", nil) {
		if text(licence) != "" {
			return true, nil
		}
	}
	return false, nil
}

func validDepartureTime(_ *Document, node *xmlquery.Node) (bool, error) {
	return txc.ParseDepartureTime(text(child(node, "DepartureTime"))) != nil, nil
}

func validRunTime(_ *Document, node *xmlquery.Node) (bool, error) {
	runTime := child(node, "RunTime")
	if runTime == nil {
		return true, nil
	}
	return txc.IsDuration(text(runTime)) && txc.ParseDuration(text(runTime)) >= 0, nil
}

// bankHolidaysForRegion requires a service that declares bank holiday
// operation to cover every bank holiday of its region.
func bankHolidaysForRegion(doc *Document, node *xmlquery.Node) (bool, error) {
	ops := descendants(node, "BankHolidayOperation", nil)
	if len(ops) == 0 {
		return true, nil
	}

	scottish, err := doc.region.IsScottish(doc.ctx, text(child(node, "ServiceCode")), doc.StopRefs())
	if err != nil {
		return false, err
	}
	required := englishBankHolidays
	if scottish {
		required = scottishBankHolidays
	}

	declared := make(map[string]bool)
	for _, op := range ops {
		for _, group := range []string{"DaysOfOperation", "DaysOfNonOperation"} {
			days := child(op, group)
			if days == nil {
				continue
			}
			for c := days.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == xmlquery.ElementNode {
					declared[c.Data] = true
				}
			}
		}
	}
	for _, day := range required {
		if !declared[day] {
			return false, nil
		}
	}
	return true, nil
}

func parseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
