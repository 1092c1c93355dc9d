package pipeline

import (
	"context"
	"io"

	"github.com/dutchcoders/go-clamd"
	"github.com/pkg/errors"
)

// ScanResult is the daemon's verdict on one stream.
type ScanResult struct {
	Status      string
	Description string
}

const (
	ScanClean = clamd.RES_OK
	ScanFound = clamd.RES_FOUND
	ScanError = clamd.RES_ERROR
)

// ErrScannerUnavailable marks failures to reach the scanner at all.
var ErrScannerUnavailable = errors.New("antivirus daemon unavailable")

type Scanner interface {
	Scan(ctx context.Context, r io.Reader) (*ScanResult, error)
}

type ClamdScanner struct {
	client *clamd.Clamd
}

// NewClamdScanner talks to clamd at an address such as "tcp://localhost:3310".
func NewClamdScanner(address string) *ClamdScanner {
	return &ClamdScanner{client: clamd.NewClamd(address)}
}

func (s *ClamdScanner) Scan(ctx context.Context, r io.Reader) (*ScanResult, error) {
	if err := s.client.Ping(); err != nil {
		return nil, errors.Wrap(ErrScannerUnavailable, err.Error())
	}
	// Closing abort releases the connection.
	abort := make(chan bool)
	defer close(abort)
	results, err := s.client.ScanStream(r, abort)
	if err != nil {
		return nil, errors.Wrap(ErrScannerUnavailable, err.Error())
	}

	verdict := &ScanResult{Status: ScanClean}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-results:
			if !ok {
				return verdict, nil
			}
			// The first non-clean verdict wins.
			if verdict.Status == ScanClean && res.Status != ScanClean {
				verdict = &ScanResult{Status: res.Status, Description: res.Description}
			}
		}
	}
}

// AntivirusStep streams the upload through the scanner.
type AntivirusStep struct {
	stores  Stores
	scanner Scanner
}

func NewAntivirusStep(stores Stores, scanner Scanner) *AntivirusStep {
	return &AntivirusStep{stores: stores, scanner: scanner}
}

func (s *AntivirusStep) Run(ctx context.Context, in StepInput) (*StepOutcome, error) {
	body, err := s.stores(in.Bucket).Download(ctx, in.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	result, err := s.scanner.Scan(ctx, body)
	if err != nil {
		if errors.Is(err, ErrScannerUnavailable) {
			return nil, wrapStepError(CodeAVConnectionError, err, "unable to reach the antivirus scanner")
		}
		return nil, err
	}

	switch result.Status {
	case ScanClean:
		return &StepOutcome{Message: "no threats found"}, nil
	case ScanFound:
		return nil, stepErrorf(CodeSuspiciousFile, "%s is suspicious: %s", in.Filename(), result.Description)
	}
	return nil, stepErrorf(CodeAntivirusFailure, "antivirus scan of %s failed: %s %s", in.Filename(), result.Status, result.Description)
}
