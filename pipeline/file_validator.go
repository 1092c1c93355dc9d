package pipeline

import (
	"archive/zip"
	"bufio"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/mholt/archiver"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

const prologueWindow = 4096

// FileLimits caps what an upload may contain.
type FileLimits struct {
	MaxFileSize int64
	MaxZipSize  int64
}

var DefaultFileLimits = FileLimits{
	MaxFileSize: 500 << 20,
	MaxZipSize:  5 << 30,
}

// ExtractedFile is one XML document ready for the per-file steps.
type ExtractedFile struct {
	Bucket    string `json:"Bucket"`
	ObjectKey string `json:"ObjectKey"`
}

type FileValidatorOutput struct {
	Items []ExtractedFile `json:"Items"`
}

var (
	rootElementStart = regexp.MustCompile(`<[A-Za-z_]`)
	entityDecl       = regexp.MustCompile(`(?i)<!\s*(DOCTYPE|ENTITY)`)
)

// dangerousPrologue reports whether the text before the root element declares
// a DOCTYPE or an entity.
func dangerousPrologue(head []byte) bool {
	if loc := rootElementStart.FindIndex(head); loc != nil {
		head = head[:loc[0]]
	}
	return entityDecl.Match(head)
}

// FileValidatorStep checks an upload is a single XML document or a flat ZIP of
// XML documents and extracts the members under <revision>/<task uuid>/.
type FileValidatorStep struct {
	repos  *storage.Repositories
	stores Stores
	limits FileLimits
	fs     afero.Fs
}

func NewFileValidatorStep(repos *storage.Repositories, stores Stores, limits FileLimits) *FileValidatorStep {
	return &FileValidatorStep{repos: repos, stores: stores, limits: limits, fs: afero.NewOsFs()}
}

func (s *FileValidatorStep) Run(ctx context.Context, in StepInput) (*StepOutcome, error) {
	store := s.stores(in.Bucket)
	file, size, err := spool(ctx, s.fs, store, in.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer discard(s.fs, file)

	var keys []string
	switch strings.ToLower(path.Ext(in.ObjectKey)) {
	case ".xml":
		if size > s.limits.MaxFileSize {
			return nil, stepErrorf(CodeFileTooLarge, "%s is larger than %d bytes", in.Filename(), s.limits.MaxFileSize)
		}
		if err := checkPrologue(bufio.NewReaderSize(file, prologueWindow), in.Filename()); err != nil {
			return nil, err
		}
		keys = []string{in.ObjectKey}
	case ".zip":
		task, err := s.repos.TaskResults.GetByID(nil, in.TaskResultID)
		if err != nil {
			return nil, err
		}
		prefix := fmt.Sprintf("%d/%s/", in.RevisionID, task.TaskID)
		if keys, err = s.extract(ctx, store, file.Name(), prefix); err != nil {
			return nil, err
		}
	default:
		return nil, stepErrorf(CodeValidationFailed, "%s is neither an XML nor a ZIP file", in.Filename())
	}

	out := FileValidatorOutput{Items: make([]ExtractedFile, 0, len(keys))}
	for _, key := range keys {
		out.Items = append(out.Items, ExtractedFile{Bucket: in.Bucket, ObjectKey: key})
	}
	return &StepOutcome{Output: out}, nil
}

func checkPrologue(r *bufio.Reader, name string) error {
	head, err := r.Peek(prologueWindow)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return err
	}
	if dangerousPrologue(head) {
		return stepErrorf(CodeDangerousXML, "%s declares a DOCTYPE or entity", name)
	}
	return nil
}

func memberName(f archiver.File) string {
	if h, ok := f.Header.(zip.FileHeader); ok {
		return h.Name
	}
	return f.Name()
}

func skippedMember(name string) bool {
	return strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), ".")
}

func (s *FileValidatorStep) extract(ctx context.Context, store storage.ObjectStore, archive, prefix string) ([]string, error) {
	z := archiver.Zip{
		CompressionLevel:       flate.DefaultCompression,
		MkdirAll:               true,
		SelectiveCompression:   true,
		ContinueOnError:        false,
		OverwriteExisting:      false,
		ImplicitTopLevelFolder: false,
	}

	var (
		keys  = make([]string, 0)
		seen  = make(map[string]string)
		total int64
		// archiver flattens walk errors into text, so the typed error is
		// kept aside.
		stepErr error
	)
	err := z.Walk(archive, func(f archiver.File) error {
		name := memberName(f)
		if f.IsDir() || skippedMember(name) {
			return nil
		}
		lower := strings.ToLower(name)
		base := path.Base(name)
		switch {
		case strings.HasSuffix(lower, ".zip"):
			stepErr = stepErrorf(CodeNestedZipForbidden, "%s contains a nested zip %s", path.Base(archive), name)
		case !strings.HasSuffix(lower, ".xml"):
			return nil
		case seen[base] != "":
			stepErr = stepErrorf(CodeValidationFailed, "%s and %s share the file name %s", seen[base], name, base)
		case f.Size() > s.limits.MaxFileSize:
			stepErr = stepErrorf(CodeFileTooLarge, "%s is larger than %d bytes", name, s.limits.MaxFileSize)
		case total+f.Size() > s.limits.MaxZipSize:
			stepErr = stepErrorf(CodeZipTooLarge, "zip content exceeds %d bytes", s.limits.MaxZipSize)
		}
		if stepErr != nil {
			return stepErr
		}
		seen[base] = name

		// Headers can lie, so the limits are enforced again on the bytes
		// that are actually read.
		counted := &countingReader{r: f, limit: s.limits.MaxFileSize}
		if room := s.limits.MaxZipSize - total; room < counted.limit {
			counted.limit = room
		}
		body := bufio.NewReaderSize(counted, prologueWindow)
		key := prefix + base
		stepErr = checkPrologue(body, name)
		if stepErr == nil {
			stepErr = store.Upload(ctx, key, body, nil)
		}
		total += counted.n
		switch {
		case counted.n > s.limits.MaxFileSize:
			stepErr = stepErrorf(CodeFileTooLarge, "%s is larger than %d bytes", name, s.limits.MaxFileSize)
		case counted.exceeded():
			stepErr = stepErrorf(CodeZipTooLarge, "zip content exceeds %d bytes", s.limits.MaxZipSize)
		case counted.err != nil:
			stepErr = wrapStepError(CodeValidationFailed, counted.err, "unable to read "+name)
		}
		if stepErr != nil {
			return stepErr
		}
		keys = append(keys, key)
		return nil
	})
	if stepErr != nil {
		return nil, stepErr
	}
	if err != nil {
		return nil, wrapStepError(CodeValidationFailed, err, "unable to read zip")
	}
	if len(keys) == 0 {
		return nil, stepErrorf(CodeNoDataFound, "%s contains no XML files", path.Base(archive))
	}
	return keys, nil
}

var errReadLimit = errors.New("read limit exceeded")

// countingReader counts the bytes it hands out and fails once more than
// limit bytes have been read.
type countingReader struct {
	r     io.Reader
	n     int64
	limit int64
	err   error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.exceeded() {
		return n, errReadLimit
	}
	if err != nil && err != io.EOF {
		c.err = err
	}
	return n, err
}

func (c *countingReader) exceeded() bool {
	return c.n > c.limit
}
