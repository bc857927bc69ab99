package actions

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Workflow commands
// ---------------------------------------------------------------------------

func TestCommand_EscapesData(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Command(&buf, "warning", "50% done\r\n::error::injected"))
	assert.Equal(t, "::warning::50%25 done%0D%0A::error::injected\n", buf.String())
}

func TestMask(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Mask(&buf, "AABBCC"))
	assert.Equal(t, "::add-mask::AABBCC\n", buf.String())
}

func TestMask_EmptyValue(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Mask(&buf, ""))
	assert.Empty(t, buf.String())
}

func TestRunning(t *testing.T) {
	t.Setenv(EnvActions, "true")
	assert.True(t, Running())

	t.Setenv(EnvActions, "")
	assert.False(t, Running())
}

// ---------------------------------------------------------------------------
// Step outputs
// ---------------------------------------------------------------------------

type OutputsSuite struct {
	suite.Suite
	path string
}

func (s *OutputsSuite) SetupTest() {
	s.path = filepath.Join(s.T().TempDir(), "output")
}

func TestOutputsSuite(t *testing.T) {
	suite.Run(t, new(OutputsSuite))
}

var outputEntry = regexp.MustCompile(`(?s)^(\S+)<<(ghadelimiter_[0-9a-f-]+)\n(.*)\n(ghadelimiter_[0-9a-f-]+)\n$`)

func (s *OutputsSuite) read() string {
	data, err := os.ReadFile(s.path)
	require.NoError(s.T(), err)
	return string(data)
}

func (s *OutputsSuite) TestSet_DelimiterForm() {
	out := NewOutputs(s.path)
	require.NoError(s.T(), out.Set("ec2-instance-id", "i-111,i-222"))

	m := outputEntry.FindStringSubmatch(s.read())
	require.NotNil(s.T(), m)
	assert.Equal(s.T(), "ec2-instance-id", m[1])
	assert.Equal(s.T(), "i-111,i-222", m[3])
	assert.Equal(s.T(), m[2], m[4], "opening and closing delimiters match")
}

func (s *OutputsSuite) TestSet_Appends() {
	require.NoError(s.T(), os.WriteFile(s.path, []byte("existing=1\n"), 0o644))

	out := NewOutputs(s.path)
	require.NoError(s.T(), out.Set("label", "ec2-runner-1a2b3c4d"))
	require.NoError(s.T(), out.Set("ec2-instance-id", "i-0abc"))

	content := s.read()
	assert.Regexp(s.T(), `^existing=1\n`, content)
	assert.Contains(s.T(), content, "\nec2-runner-1a2b3c4d\n")
	assert.Contains(s.T(), content, "\ni-0abc\n")
}

func (s *OutputsSuite) TestSet_MultilineValue() {
	out := NewOutputs(s.path)
	require.NoError(s.T(), out.Set("notes", "line one\nline two"))

	m := outputEntry.FindStringSubmatch(s.read())
	require.NotNil(s.T(), m)
	assert.Equal(s.T(), "line one\nline two", m[3])
}

func (s *OutputsSuite) TestSet_NoPathIsNoop() {
	out := NewOutputs("")
	require.NoError(s.T(), out.Set("label", "x"))
	assert.NoFileExists(s.T(), s.path)
}

func (s *OutputsSuite) TestSet_EmptyName() {
	err := NewOutputs(s.path).Set("", "x")
	assert.Error(s.T(), err)
}

func (s *OutputsSuite) TestSet_UnwritablePath() {
	out := NewOutputs(filepath.Join(s.T().TempDir(), "missing", "output"))
	err := out.Set("label", "x")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "opening output file")
}

// ---------------------------------------------------------------------------
// slog handler
// ---------------------------------------------------------------------------

func TestHandler_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf))

	logger.Debug("debug message")
	logger.Info("info message")
	assert.Empty(t, buf.String(), "records below warning are dropped")

	logger.Warn("launch candidate failed", slog.String("candidate", "spot"))
	logger.Error("ec2 instances starting error", slog.String("error_code", "InsufficientInstanceCapacity"))

	assert.Equal(t,
		"::warning::launch candidate failed candidate=spot\n"+
			"::error::ec2 instances starting error error_code=InsufficientInstanceCapacity\n",
		buf.String())
}

func TestHandler_GroupsAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf)).
		With(slog.String("phase", "start")).
		WithGroup("engine.ec2")

	logger.Error("terminate failed", slog.String("instance_ids", "i-1"), slog.Group("aws", slog.Int("status", 400)))

	assert.Equal(t,
		"::error::terminate failed phase=start engine.ec2.instance_ids=i-1 engine.ec2.aws.status=400\n",
		buf.String())
}

func TestHandler_EscapesMultilineErrors(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf)).Warn("first\nsecond")
	assert.Equal(t, "::warning::first%0Asecond\n", buf.String())
}
