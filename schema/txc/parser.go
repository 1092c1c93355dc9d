package txc

import (
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
)

// ErrEmptyDocument is returned when the input holds no TransXChange root or
// the root has no child elements.
var ErrEmptyDocument = errors.New("no TransXChange document found")

const (
	dateLayout          = "2006-01-02"
	localDateTimeLayout = "2006-01-02T15:04:05"
)

// Service is the part of a TXC service block the pipeline keeps.
type Service struct {
	Code        string
	LineNames   []string
	StartDate   *time.Time
	EndDate     *time.Time
	Origin      string
	Destination string
	PublicUse   bool
}

// Document is the summary of one TransXChange file.
type Document struct {
	SchemaVersion        string
	RevisionNumber       int
	CreationDateTime     *time.Time
	ModificationDateTime *time.Time
	Modification         string
	FileName             string

	NationalOperatorCode string
	LicenceNumber        string

	Services       []Service
	OperatingDays  []string
	StopRefs       []string
	TimingPoints   int
	DepartureTimes []*ClockTime
}

// ServiceCode is the code of the first service.
func (d *Document) ServiceCode() string {
	if len(d.Services) == 0 {
		return ""
	}
	return d.Services[0].Code
}

// LineNames lists line names across all services in document order.
func (d *Document) LineNames() []string {
	out := make([]string, 0)
	for _, s := range d.Services {
		out = append(out, s.LineNames...)
	}
	return out
}

// Origin and Destination come from the first service.
func (d *Document) Origin() string {
	if len(d.Services) == 0 {
		return ""
	}
	return d.Services[0].Origin
}

func (d *Document) Destination() string {
	if len(d.Services) == 0 {
		return ""
	}
	return d.Services[0].Destination
}

// OperatingPeriod spans the earliest service start to the latest service end.
// The end is nil when any service is open-ended.
func (d *Document) OperatingPeriod() (start, end *time.Time) {
	openEnded := false
	for _, s := range d.Services {
		if s.StartDate != nil && (start == nil || s.StartDate.Before(*start)) {
			start = s.StartDate
		}
		if s.EndDate == nil {
			openEnded = true
		} else if end == nil || s.EndDate.After(*end) {
			end = s.EndDate
		}
	}
	if openEnded {
		end = nil
	}
	return start, end
}

// ExpiringServiceDates returns the earliest and latest end dates of services
// that have one.
func (d *Document) ExpiringServiceDates() (first, last *time.Time) {
	for _, s := range d.Services {
		if s.EndDate == nil {
			continue
		}
		if first == nil || s.EndDate.Before(*first) {
			first = s.EndDate
		}
		if last == nil || s.EndDate.After(*last) {
			last = s.EndDate
		}
	}
	return first, last
}

// PublicUse reports whether any service is for public use.
func (d *Document) PublicUse() bool {
	for _, s := range d.Services {
		if s.PublicUse {
			return true
		}
	}
	return false
}

// sections matches every child of the TransXChange root. Each section is
// handed over once its end tag is read and dropped on the next Read.
const sections = "/TransXChange/*"

const timingLinkEnds = "JourneyPatternSection/JourneyPatternTimingLink/From | JourneyPatternSection/JourneyPatternTimingLink/To"

type parser struct {
	doc      *Document
	stopSeen map[string]bool
	ptpSeen  map[string]bool
	daySeen  map[string]bool
}

// Parse streams the document one top-level section at a time and never holds
// the whole tree in memory.
func Parse(r io.Reader) (*Document, error) {
	sp, err := xmlquery.CreateStreamParser(r, sections)
	if err != nil {
		return nil, err
	}
	p := &parser{
		stopSeen: make(map[string]bool),
		ptpSeen:  make(map[string]bool),
		daySeen:  make(map[string]bool),
	}
	for {
		section, err := sp.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if p.doc == nil {
			p.doc = &Document{
				OperatingDays:  make([]string, 0),
				StopRefs:       make([]string, 0),
				Services:       make([]Service, 0),
				DepartureTimes: make([]*ClockTime, 0),
			}
			p.header(section.Parent)
		}
		p.section(section)
	}
	if p.doc == nil {
		return nil, ErrEmptyDocument
	}
	sort.Strings(p.doc.OperatingDays)
	return p.doc, nil
}

func (p *parser) header(root *xmlquery.Node) {
	for _, a := range root.Attr {
		switch a.Name.Local {
		case "SchemaVersion":
			p.doc.SchemaVersion = a.Value
		case "RevisionNumber":
			if n, err := strconv.Atoi(strings.TrimSpace(a.Value)); err == nil {
				p.doc.RevisionNumber = n
			}
		case "CreationDateTime":
			p.doc.CreationDateTime = parseDateTime(a.Value)
		case "ModificationDateTime":
			p.doc.ModificationDateTime = parseDateTime(a.Value)
		case "Modification":
			p.doc.Modification = a.Value
		case "FileName":
			p.doc.FileName = a.Value
		}
	}
}

func (p *parser) section(n *xmlquery.Node) {
	switch n.Data {
	case "Operators":
		if op := firstElement(n); op != nil {
			p.doc.NationalOperatorCode = textOf(op, "NationalOperatorCode")
			p.doc.LicenceNumber = textOf(op, "LicenceNumber")
		}
	case "StopPoints":
		for c := firstElement(n); c != nil; c = nextElement(c) {
			switch c.Data {
			case "AnnotatedStopPointRef":
				p.addStop(textOf(c, "StopPointRef"))
			case "StopPoint":
				p.addStop(textOf(c, "AtcoCode"))
			}
		}
	case "JourneyPatternSections":
		for _, end := range xmlquery.Find(n, timingLinkEnds) {
			ref := textOf(end, "StopPointRef")
			if isPrincipalTimingPoint(textOf(end, "TimingStatus")) && ref != "" && !p.ptpSeen[ref] {
				p.ptpSeen[ref] = true
				p.doc.TimingPoints++
			}
		}
	case "Services":
		for _, svc := range xmlquery.Find(n, "Service") {
			p.doc.Services = append(p.doc.Services, p.service(svc))
		}
	case "VehicleJourneys":
		for _, dep := range xmlquery.Find(n, "VehicleJourney/DepartureTime") {
			if t := ParseDepartureTime(strings.TrimSpace(dep.InnerText())); t != nil {
				p.doc.DepartureTimes = append(p.doc.DepartureTimes, t)
			}
		}
	}
}

func (p *parser) service(n *xmlquery.Node) Service {
	svc := Service{
		Code:      textOf(n, "ServiceCode"),
		LineNames: make([]string, 0),
		StartDate: parseDate(textOf(n, "OperatingPeriod/StartDate")),
		EndDate:   parseDate(textOf(n, "OperatingPeriod/EndDate")),
	}
	for _, name := range xmlquery.Find(n, "Lines/Line/LineName") {
		svc.LineNames = append(svc.LineNames, strings.TrimSpace(name.InnerText()))
	}
	for _, mode := range xmlquery.Find(n, "StandardService|FlexibleService") {
		if origin := xmlquery.FindOne(mode, "Origin"); origin != nil {
			svc.Origin = strings.TrimSpace(origin.InnerText())
		}
		if dest := xmlquery.FindOne(mode, "Destination"); dest != nil {
			svc.Destination = strings.TrimSpace(dest.InnerText())
		}
	}
	public := textOf(n, "PublicUse")
	svc.PublicUse = public == "true" || public == "1"

	for _, day := range xmlquery.Find(n, "OperatingProfile/RegularDayType/DaysOfWeek/*") {
		if !p.daySeen[day.Data] {
			p.daySeen[day.Data] = true
			p.doc.OperatingDays = append(p.doc.OperatingDays, day.Data)
		}
	}
	return svc
}

func (p *parser) addStop(ref string) {
	if ref == "" || p.stopSeen[ref] {
		return
	}
	p.stopSeen[ref] = true
	p.doc.StopRefs = append(p.doc.StopRefs, ref)
}

// textOf is the trimmed text of the first node at expr below n, or "".
func textOf(n *xmlquery.Node, expr string) string {
	if found := xmlquery.FindOne(n, expr); found != nil {
		return strings.TrimSpace(found.InnerText())
	}
	return ""
}

func firstElement(n *xmlquery.Node) *xmlquery.Node {
	c := n.FirstChild
	for c != nil && c.Type != xmlquery.ElementNode {
		c = c.NextSibling
	}
	return c
}

func nextElement(n *xmlquery.Node) *xmlquery.Node {
	c := n.NextSibling
	for c != nil && c.Type != xmlquery.ElementNode {
		c = c.NextSibling
	}
	return c
}

func isPrincipalTimingPoint(status string) bool {
	return status == "PTP" || status == "principalTimingPoint"
}

func parseDate(s string) *time.Time {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &t
}

func parseDateTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, localDateTimeLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
