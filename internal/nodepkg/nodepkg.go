// Package nodepkg assembles the deployment bundle handed to a new secondary
// node: a manifest, the agent environment file and resolver templates, all
// zipped for download.
package nodepkg

import (
	"archive/zip"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/store"
)

// KeyLength is the length of a generated node API key.
const KeyLength = 64

// GenerateKey returns a URL-safe opaque node key from the crypto RNG.
func GenerateKey() (string, error) {
	// 48 random bytes encode to exactly 64 URL-safe characters.
	raw := make([]byte, KeyLength/4*3)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("nodepkg: generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// manifest describes the bundle to the person deploying it.
type manifest struct {
	Node       string    `yaml:"node"`
	PrimaryURL string    `yaml:"primary_url"`
	GeneratedA time.Time `yaml:"generated_at"`
	Files      []string  `yaml:"files"`
	Notes      string    `yaml:"notes"`
}

// Builder creates deployment packages. Creation is idempotent on node name:
// an existing node keeps its key.
type Builder struct {
	Store      *store.Store
	PrimaryURL string
}

// EnsureNode returns the node with the given name, creating it with a fresh
// key when missing.
func (b *Builder) EnsureNode(name string) (*model.Node, error) {
	node, err := b.Store.NodeByName(name)
	if err == nil {
		return node, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	node = &model.Node{Name: name, APIKey: key}
	if err := b.Store.CreateNode(node); err != nil {
		return nil, err
	}
	return node, nil
}

// Build ensures the node exists and returns its deployment ZIP.
func (b *Builder) Build(name string) ([]byte, error) {
	node, err := b.EnsureNode(name)
	if err != nil {
		return nil, err
	}

	files := []struct {
		name string
		body string
	}{
		{"pbsync.env", envFile(b.PrimaryURL, node)},
		{"recursor.conf.tmpl", recursorTemplate},
		{"forward-zones.conf", forwardZonesStub},
	}

	names := make([]string, 0, len(files)+1)
	names = append(names, "manifest.yaml")
	for _, f := range files {
		names = append(names, f.name)
	}
	man, err := yaml.Marshal(manifest{
		Node:       node.Name,
		PrimaryURL: b.PrimaryURL,
		GeneratedA: time.Now().UTC(),
		Files:      names,
		Notes:      "Install pbsync, source pbsync.env and point the recursor at the template.",
	})
	if err != nil {
		return nil, fmt.Errorf("nodepkg: marshal manifest: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(name string, body []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("nodepkg: add %s: %w", name, err)
		}
		_, err = w.Write(body)
		return err
	}
	if err := write("manifest.yaml", man); err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := write(f.name, []byte(f.body)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("nodepkg: finalize zip: %w", err)
	}
	return buf.Bytes(), nil
}

func envFile(primaryURL string, node *model.Node) string {
	return fmt.Sprintf(`# pbsync agent environment for node %q
PB_PRIMARY_URL=%s
PB_NODE_NAME=%s
PB_NODE_API_KEY=%s
PB_SHARED_DIR=/var/lib/powerblockade
PB_RECURSOR_API_URL=http://127.0.0.1:8082
`, node.Name, primaryURL, node.Name, node.APIKey)
}

const recursorTemplate = `# PowerDNS recursor settings for a PowerBlockade secondary.
# rpz files are synced into the shared directory by pbsync.
lua-config-file=/etc/powerdns/rpz.lua
forward-zones-file=/var/lib/powerblockade/forward-zones.conf
webserver=yes
webserver-address=127.0.0.1
webserver-port=8082
api-key=changeme
`

const forwardZonesStub = `# generated by powerblockade
# replaced by pbsync on first config pull
`
