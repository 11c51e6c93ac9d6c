package build

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/splax/botrunner/internal/workspace"
)

const dockerfileTemplate = `FROM {{ .BaseImage }}

WORKDIR /app

COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt

COPY . .

CMD ["python", {{ json .Entrypoint }}]
`

var dockerfile = template.Must(template.New("Dockerfile").Funcs(template.FuncMap{
	"json": func(s string) (string, error) {
		out, err := json.Marshal(s)
		return string(out), err
	},
}).Parse(dockerfileTemplate))

// RenderDockerfile renders the Dockerfile used for inline sources.
func RenderDockerfile(baseImage, entrypoint string) (string, error) {
	var buf bytes.Buffer
	err := dockerfile.Execute(&buf, struct {
		BaseImage  string
		Entrypoint string
	}{baseImage, entrypoint})
	if err != nil {
		return "", fmt.Errorf("render Dockerfile: %w", err)
	}
	return buf.String(), nil
}

func (b *Builder) buildInline(ctx context.Context, v *visitor, r InlineSource) (Image, error) {
	v.stage = "prepare build context"
	dir, cleanup, err := b.prepare("inline")
	if err != nil {
		return Image{}, err
	}
	defer cleanup()

	entry := r.EntrypointOrDefault()
	files := r.Files
	if len(files) == 0 {
		files = map[string]string{entry: r.Code}
	}
	for name, content := range files {
		if err := workspace.WriteFile(dir, name, []byte(content)); err != nil {
			return Image{}, err
		}
	}

	// A requirements.txt shipped in files is kept unless the request lists requirements.
	if !shipsFile(files, "requirements.txt") || len(r.Requirements) > 0 {
		reqs := strings.Join(r.Requirements, "\n")
		if err := workspace.WriteFile(dir, "requirements.txt", []byte(reqs)); err != nil {
			return Image{}, err
		}
	}

	content, err := RenderDockerfile(b.baseImage, entry)
	if err != nil {
		return Image{}, err
	}
	if err := workspace.WriteFile(dir, "Dockerfile", []byte(content)); err != nil {
		return Image{}, err
	}

	v.stage = "image build"
	return b.buildContext(ctx, v.id, dir)
}

// shipsFile reports whether files contains name under any spelling that
// cleans to it, such as "./name".
func shipsFile(files map[string]string, name string) bool {
	for key := range files {
		if filepath.Clean(filepath.FromSlash(key)) == filepath.FromSlash(name) {
			return true
		}
	}
	return false
}
