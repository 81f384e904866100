package prompt

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"squadron/internal/domain"
)

func TestRender_NoPlaceholdersIsIdentity(t *testing.T) {
	for _, tmpl := range []string{"", "plain text", "a { b } c", "braces {x} and }} alone", "{{ unterminated"} {
		out, err := Render(tmpl, nil)
		require.NoError(t, err)
		assert.Equal(t, tmpl, out)
	}
}

func TestRender_Scalar(t *testing.T) {
	out, err := Render("You are a {{ROLE}}.", domain.PromptVariables{"ROLE": domain.Text("weather expert")})
	require.NoError(t, err)
	assert.Equal(t, "You are a weather expert.", out)
}

func TestRender_SequenceJoinedWithNewlines(t *testing.T) {
	out, err := Render("{{X}}", domain.PromptVariables{"X": domain.Lines("a", "b", "c")})
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc", out)
}

func TestRender_EmptySequence(t *testing.T) {
	out, err := Render("[{{X}}]", domain.PromptVariables{"X": domain.Lines()})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestRender_UnknownPassesThrough(t *testing.T) {
	out, err := Render("Hello {{UNDEFINED}} and {{NAME}}", domain.PromptVariables{"NAME": domain.Text("bob")})
	require.NoError(t, err)
	assert.Equal(t, "Hello {{UNDEFINED}} and bob", out)
}

func TestRender_StrictFailsOnUnknown(t *testing.T) {
	_, err := Render("{{A}} {{B}} {{A}}", domain.PromptVariables{}, Strict())
	require.ErrorIs(t, err, domain.ErrTemplateRender)
	assert.Contains(t, err.Error(), "missing variables: A, B")

	out, err := Render("{{A}}", domain.PromptVariables{"A": domain.Text("ok")}, WithStrict(true))
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestRender_NotRecursive(t *testing.T) {
	vars := domain.PromptVariables{
		"A": domain.Text("{{B}}"),
		"B": domain.Text("boom"),
	}
	out, err := Render("{{A}}", vars)
	require.NoError(t, err)
	assert.Equal(t, "{{B}}", out)
}

func TestRender_RepeatedAndSpacedPlaceholders(t *testing.T) {
	vars := domain.PromptVariables{"N": domain.Text("x")}
	out, err := Render("{{N}}-{{ N }}-{{N}}", vars)
	require.NoError(t, err)
	assert.Equal(t, "x-x-x", out)
}

func TestRender_InvalidNamesAreLiteral(t *testing.T) {
	vars := domain.PromptVariables{"X": domain.Text("v")}
	out, err := Render("{{a-b}} {{}} {{{{X}}", vars, Strict())
	require.NoError(t, err)
	assert.Equal(t, "{{a-b}} {{}} {{v", out)
}

func TestRender_ConcurrentCalls(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := Render("{{R}}", domain.PromptVariables{"R": domain.Lines("1", "2")})
			assert.NoError(t, err)
			assert.Equal(t, "1\n2", out)
		}()
	}
	wg.Wait()
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"ROLE", "TOOLS"}, Placeholders("{{ROLE}} uses {{TOOLS}} as {{ROLE}} {{bad name}}"))
	assert.Nil(t, Placeholders("nothing here"))
}

func TestTemplate_MissingAndCopy(t *testing.T) {
	vars := domain.PromptVariables{"ROLE": domain.Text("tech")}
	tmpl := New("{{ROLE}} {{STYLE}}", vars)
	vars["STYLE"] = domain.Text("terse")

	assert.Equal(t, []string{"STYLE"}, tmpl.Missing())
	out, err := tmpl.Render()
	require.NoError(t, err)
	assert.Equal(t, "tech {{STYLE}}", out)
}

func TestPromptVariables_YAML(t *testing.T) {
	src := `
ROLE: weather expert
RULES:
  - be brief
  - cite sources
`
	var vars domain.PromptVariables
	require.NoError(t, yaml.Unmarshal([]byte(src), &vars))

	out, err := Render("{{ROLE}}\n{{RULES}}", vars)
	require.NoError(t, err)
	assert.Equal(t, "weather expert\nbe brief\ncite sources", out)
	assert.True(t, vars["RULES"].IsList())
}
