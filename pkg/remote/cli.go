package remote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jdziat/importflow/pkg/config"
)

// DefaultImportTimeout bounds a single file import. Large files over slow
// links are the common case, so this is generous.
const DefaultImportTimeout = 600 * time.Second

// outputTailLines is how much command output to keep when reporting failures.
const outputTailLines = 20

// sessionCacheTTL bounds how often ValidateSession actually shells out. The
// attachment loop revalidates frequently; hitting the server each time would
// dominate the attach cost.
const sessionCacheTTL = 30 * time.Second

// CLIDialer opens sessions backed by the remote store's command-line tool.
type CLIDialer struct {
	tool          string
	importTimeout time.Duration
	logger        *slog.Logger
}

// CLIOption configures a CLIDialer.
type CLIOption func(*CLIDialer)

// WithImportTimeout overrides the per-file import timeout.
func WithImportTimeout(d time.Duration) CLIOption {
	return func(c *CLIDialer) { c.importTimeout = d }
}

// WithLogger sets the logger for dialed connections.
func WithLogger(l *slog.Logger) CLIOption {
	return func(c *CLIDialer) { c.logger = l }
}

// NewCLIDialer creates a dialer that shells out to the given tool binary.
func NewCLIDialer(tool string, opts ...CLIOption) *CLIDialer {
	d := &CLIDialer{
		tool:          tool,
		importTimeout: DefaultImportTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial verifies the params and returns a connection bound to them. The tool
// authenticates per invocation, so dialing is cheap and Close is a no-op.
func (d *CLIDialer) Dial(ctx context.Context, params ConnParams) (Conn, error) {
	if !params.Valid() {
		return nil, fmt.Errorf("incomplete connection parameters for host %q", params.Host)
	}
	conn := &cliConn{
		tool:          d.tool,
		params:        params,
		importTimeout: d.importTimeout,
		logger:        d.logger,
	}
	conn.session = config.NewCached(sessionCacheTTL, func() (bool, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err := conn.run(checkCtx, 30*time.Second, "sessions", "list")
		return err == nil, err
	})
	if !conn.ValidateSession(ctx) {
		return nil, fmt.Errorf("session validation failed against %s:%d", params.Host, params.Port)
	}
	return conn, nil
}

type cliConn struct {
	tool          string
	params        ConnParams
	importTimeout time.Duration
	logger        *slog.Logger
	session       *config.Cached[bool]
}

// connArgs are the connection flags prepended to every invocation.
func (c *cliConn) connArgs() []string {
	args := []string{"-s", c.params.Host}
	if c.params.Port != 0 {
		args = append(args, "-p", strconv.Itoa(c.params.Port))
	}
	if c.params.SessionKey != "" {
		args = append(args, "-k", c.params.SessionKey)
	} else {
		args = append(args, "-u", c.params.Username, "-w", c.params.Password)
	}
	return args
}

func (c *cliConn) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := append(c.connArgs(), args...)
	cmd := exec.CommandContext(runCtx, c.tool, full...)
	// A descendant of the tool that survives the kill must not hold the
	// output pipes open past the deadline.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return stdout.String(), fmt.Errorf("%s %s timed out after %s", c.tool, args[0], timeout)
	}
	if err != nil {
		return stdout.String(), fmt.Errorf("%s %s failed: %v: %s",
			c.tool, args[0], err, tailLines(stderr.String(), outputTailLines))
	}
	return stdout.String(), nil
}

func (c *cliConn) ImportFile(ctx context.Context, stagedPath string, datasetID int64) error {
	args := []string{"import", "--no-upgrade-check"}
	if datasetID != 0 {
		args = append(args, "-d", strconv.FormatInt(datasetID, 10))
	}
	args = append(args, stagedPath)

	start := time.Now()
	_, err := c.run(ctx, c.importTimeout, args...)
	if err != nil {
		return err
	}
	c.logger.Debug("imported file",
		"path", stagedPath, "dataset_id", datasetID, "elapsed", time.Since(start).String())
	return nil
}

func (c *cliConn) EnsureDataset(ctx context.Context, name string) (int64, error) {
	query := fmt.Sprintf("select d.id from Dataset d where d.name = '%s'", escapeQuery(name))
	out, err := c.run(ctx, time.Minute, "hql", "--style", "plain", "-q", query)
	if err != nil {
		return 0, err
	}
	if ids := parseIDColumn(out, 0); len(ids) > 0 {
		return ids[0], nil
	}

	out, err = c.run(ctx, time.Minute, "obj", "new", "Dataset", "name="+name)
	if err != nil {
		return 0, err
	}
	id, ok := parseObjectRef(out, "Dataset")
	if !ok {
		return 0, fmt.Errorf("unexpected output creating dataset %q: %s", name, strings.TrimSpace(out))
	}
	return id, nil
}

func (c *cliConn) FindImagesByName(ctx context.Context, names []string, datasetID int64) (map[string]Image, error) {
	if len(names) == 0 {
		return map[string]Image{}, nil
	}

	quoted := make([]string, 0, len(names))
	for _, n := range names {
		quoted = append(quoted, "'"+escapeQuery(n)+"'")
	}
	var query string
	if datasetID != 0 {
		query = fmt.Sprintf(
			"select i.id, i.name from Image i join i.datasetLinks l where l.parent.id = %d and i.name in (%s)",
			datasetID, strings.Join(quoted, ","))
	} else {
		query = fmt.Sprintf("select i.id, i.name from Image i where i.name in (%s)",
			strings.Join(quoted, ","))
	}

	out, err := c.run(ctx, time.Minute, "hql", "--style", "plain", "-q", query)
	if err != nil {
		return nil, err
	}

	images := make(map[string]Image)
	for line := range strings.Lines(out) {
		fields := strings.SplitN(strings.TrimSpace(line), ",", 3)
		if len(fields) < 3 {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			continue
		}
		name := strings.TrimSpace(fields[2])
		// First hit wins on duplicate names.
		if _, seen := images[name]; !seen {
			images[name] = Image{ID: id, Name: name, DatasetID: datasetID}
		}
	}
	return images, nil
}

func (c *cliConn) AttachFile(ctx context.Context, imageID int64, path, mimetype string) error {
	out, err := c.run(ctx, 5*time.Minute, "upload", path)
	if err != nil {
		return err
	}
	fileID, ok := parseObjectRef(out, "OriginalFile")
	if !ok {
		return fmt.Errorf("unexpected output uploading %q: %s", path, strings.TrimSpace(out))
	}

	annArgs := []string{"obj", "new", "FileAnnotation",
		fmt.Sprintf("file=OriginalFile:%d", fileID)}
	if mimetype != "" {
		annArgs = append(annArgs, "ns="+mimetype)
	}
	out, err = c.run(ctx, time.Minute, annArgs...)
	if err != nil {
		return err
	}
	annID, ok := parseObjectRef(out, "FileAnnotation")
	if !ok {
		return fmt.Errorf("unexpected output annotating %q: %s", path, strings.TrimSpace(out))
	}

	_, err = c.run(ctx, time.Minute, "obj", "new", "ImageAnnotationLink",
		fmt.Sprintf("parent=Image:%d", imageID),
		fmt.Sprintf("child=FileAnnotation:%d", annID))
	return err
}

// ValidateSession reports whether the session still authenticates. Results
// are cached for sessionCacheTTL, so callers may check liberally.
func (c *cliConn) ValidateSession(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if c.session == nil {
		_, err := c.run(ctx, 30*time.Second, "sessions", "list")
		return err == nil
	}
	ok, err := c.session.Get()
	return err == nil && ok
}

func (c *cliConn) Close() error { return nil }

// escapeQuery doubles single quotes for embedding in an HQL string literal.
func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// parseIDColumn extracts integer values from the given column of plain-style
// CSV output. Plain style prefixes a row index column.
func parseIDColumn(out string, col int) []int64 {
	var ids []int64
	for line := range strings.Lines(out) {
		fields := strings.Split(strings.TrimSpace(line), ",")
		if len(fields) <= col+1 {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(fields[col+1]), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// parseObjectRef finds a "Type:id" reference in command output.
func parseObjectRef(out, objType string) (int64, bool) {
	prefix := objType + ":"
	for line := range strings.Lines(out) {
		trimmed := strings.TrimSpace(line)
		idx := strings.Index(trimmed, prefix)
		if idx < 0 {
			continue
		}
		rest := trimmed[idx+len(prefix):]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end == 0 {
			continue
		}
		id, err := strconv.ParseInt(rest[:end], 10, 64)
		if err != nil {
			continue
		}
		return id, true
	}
	return 0, false
}

// tailLines returns the last n non-empty lines of s, joined.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	var kept []string
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, strings.TrimSpace(line))
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return strings.Join(kept, " | ")
}
