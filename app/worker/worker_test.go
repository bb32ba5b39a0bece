package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTrip(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	c := NewCodec(buf, buf)
	require.NoError(t, c.Write(Request{Command: CmdRun, Action: "a1", Reuse: true}))
	require.NoError(t, c.Write(Request{Command: CmdExit}))
	assert.True(t, strings.HasPrefix(buf.String(), "Content-Length: "))

	var r1, r2 Request
	require.NoError(t, c.Read(&r1))
	require.NoError(t, c.Read(&r2))
	assert.Equal(t, Request{Command: CmdRun, Action: "a1", Reuse: true}, r1)
	assert.Equal(t, CmdExit, r2.Command)
	assert.ErrorIs(t, c.Read(&r1), io.EOF)
}

func TestCodec_Malformed(t *testing.T) {
	tbl := []struct {
		name, in string
	}{
		{"no length", "Foo: bar\r\n\r\n{}"},
		{"bad length", "Content-Length: abc\r\n\r\n{}"},
		{"truncated body", "Content-Length: 10\r\n\r\n{}"},
		{"bad json", "Content-Length: 3\r\n\r\n{x}"},
		{"truncated header", "Content-Length: 3"},
		{"too large", "Content-Length: 999999999\r\n\r\n"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCodec(strings.NewReader(tt.in), io.Discard)
			var r Request
			err := c.Read(&r)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func frames(t *testing.T, reqs ...Request) *bytes.Buffer {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	c := NewCodec(nil, buf)
	for _, r := range reqs {
		require.NoError(t, c.Write(r))
	}
	return buf
}

func responses(t *testing.T, out *bytes.Buffer) []Response {
	t.Helper()
	c := NewCodec(out, nil)
	var res []Response
	for {
		var r Response
		err := c.Read(&r)
		if errors.Is(err, io.EOF) {
			return res
		}
		require.NoError(t, err)
		res = append(res, r)
	}
}

func TestServe(t *testing.T) {
	var ran []string
	ex := ExecutorFunc(func(_ context.Context, req Request) (int, error) {
		ran = append(ran, req.Action)
		switch req.Action {
		case "fail":
			return 3, nil
		case "broken":
			return 0, errors.New("can't start")
		}
		return 0, nil
	})

	t.Run("reuse until exit", func(t *testing.T) {
		ran = nil
		in := frames(t, Request{Action: "a", Reuse: true}, Request{Command: CmdRun, Action: "fail", Reuse: true},
			Request{Action: "broken", Reuse: true}, Request{Command: CmdExit}, Request{Action: "never", Reuse: true})
		out := bytes.NewBuffer(nil)
		require.NoError(t, Serve(t.Context(), in, out, ex))
		assert.Equal(t, []string{"a", "fail", "broken"}, ran)
		assert.Equal(t, []Response{{ReturnCode: 0}, {ReturnCode: 3}, {ReturnCode: 1, Error: "can't start"}}, responses(t, out))
	})

	t.Run("single job without reuse", func(t *testing.T) {
		ran = nil
		in := frames(t, Request{Action: "a"}, Request{Action: "b"})
		out := bytes.NewBuffer(nil)
		require.NoError(t, Serve(t.Context(), in, out, ex))
		assert.Equal(t, []string{"a"}, ran)
		assert.Len(t, responses(t, out), 1)
	})

	t.Run("eof", func(t *testing.T) {
		require.NoError(t, Serve(t.Context(), strings.NewReader(""), io.Discard, ex))
	})

	t.Run("protocol violation", func(t *testing.T) {
		err := Serve(t.Context(), strings.NewReader("garbage\r\n\r\n"), io.Discard, ex)
		assert.ErrorIs(t, err, ErrProtocol)
		err = Serve(t.Context(), frames(t, Request{Command: "blah"}), io.Discard, ex)
		assert.ErrorIs(t, err, ErrProtocol)
	})
}

func TestCommandExecutor(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "action.sh")
	require.NoError(t, os.WriteFile(script, []byte(`echo "name=$ACTION_NAME"
echo "ctx=$ACTION_REQUEST_CONTEXT"
cat "$ACTION_INPUT" > "$ACTION_RESULT"
echo "oops" >&2
exit $EXIT_CODE
`), 0o600))
	input := filepath.Join(dir, "input.json")
	require.NoError(t, os.WriteFile(input, []byte(`{"v":1}`), 0o600))

	req := Request{Action: "act1", ActionFile: script, InputFile: input, ResultFile: filepath.Join(dir, "result.json"),
		OutputFile: filepath.Join(dir, "output.txt"), RequestContext: map[string]string{"x-user": "u1"},
		Env: []string{"EXIT_CODE=0"}}

	code, err := CommandExecutor{}.Execute(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	res, err := os.ReadFile(req.ResultFile)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(res))
	out, err := os.ReadFile(req.OutputFile)
	require.NoError(t, err)
	assert.Contains(t, string(out), "name=act1\n")
	assert.Contains(t, string(out), `ctx={"x-user":"u1"}`)
	assert.Contains(t, string(out), "oops\n")

	req.Env = []string{"EXIT_CODE=5"}
	req.OutputFile = ""
	buf := bytes.NewBuffer(nil)
	code, err = CommandExecutor{Output: buf}.Execute(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, 5, code)
	assert.Contains(t, buf.String(), "name=act1")

	req.Interpreter = "/non-existent/interpreter"
	_, err = CommandExecutor{}.Execute(t.Context(), req)
	require.Error(t, err)

	_, err = CommandExecutor{}.Execute(t.Context(), Request{Action: "none"})
	require.Error(t, err)
}

func TestActionEnv(t *testing.T) {
	env, err := actionEnv(Request{Action: "a", ActionFile: "/x/y/act.sh", Env: []string{"FOO=bar"}})
	require.NoError(t, err)
	assert.Contains(t, env, "FOO=bar")
	assert.Contains(t, env, "ACTION_NAME=a")
	assert.Contains(t, env, "ACTION_DIR=/x/y")
	assert.Contains(t, env, "ACTION_REQUEST_CONTEXT=null")
}
