package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/dotsetgreg/priya/pkg/config"
	"github.com/dotsetgreg/priya/pkg/providers"
)

const referenceDir = "reference"

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate reference docs from command, config, and provider catalog source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

// generateDocumentation renders every reference file into a scratch dir,
// then either replaces <outputDir>/reference or diffs against it.
func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	tmpDir, err := os.MkdirTemp("", "priya-docs-gen-*")
	if err != nil {
		return fmt.Errorf("create temp docs dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := renderReferences(rootFactory(), tmpDir); err != nil {
		return err
	}
	generated, err := readTree(tmpDir)
	if err != nil {
		return err
	}

	target := filepath.Join(outputDir, referenceDir)
	if checkOnly {
		current, err := readTree(target)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		if diff := cmp.Diff(current, generated); diff != "" {
			return fmt.Errorf("docs out of date; run `priya docs generate` (-current +generated):\n%s", diff)
		}
		return nil
	}

	if err := os.RemoveAll(target); err != nil {
		return err
	}
	for rel, content := range generated {
		if err := writeTextFile(filepath.Join(target, rel), content); err != nil {
			return err
		}
	}
	return nil
}

func renderReferences(cliRoot *cobra.Command, dir string) error {
	disableAutoGenTag(cliRoot)

	cliDir := filepath.Join(dir, "cli")
	if err := os.MkdirAll(cliDir, 0o755); err != nil {
		return fmt.Errorf("create cli docs dir: %w", err)
	}
	prepender := func(filename string) string {
		title := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		return "# " + strings.ReplaceAll(title, "_", " ") + "\n\n"
	}
	if err := cobraDoc.GenMarkdownTreeCustom(cliRoot, cliDir, prepender, func(name string) string { return name }); err != nil {
		return fmt.Errorf("generate cli markdown docs: %w", err)
	}

	manDir := filepath.Join(dir, "man")
	if err := os.MkdirAll(manDir, 0o755); err != nil {
		return fmt.Errorf("create man docs dir: %w", err)
	}
	if err := cobraDoc.GenManTree(cliRoot, &cobraDoc.GenManHeader{Title: "PRIYA", Section: "1", Source: appName}, manDir); err != nil {
		return fmt.Errorf("generate man pages: %w", err)
	}

	configRef, err := configReference()
	if err != nil {
		return err
	}
	if err := writeTextFile(filepath.Join(dir, "config.md"), configRef); err != nil {
		return err
	}
	return writeTextFile(filepath.Join(dir, "providers.md"), providersReference())
}

func disableAutoGenTag(cmd *cobra.Command) {
	cmd.DisableAutoGenTag = true
	for _, child := range cmd.Commands() {
		disableAutoGenTag(child)
	}
}

// readTree maps every regular file under root, by slash path, to its content.
func readTree(root string) (map[string]string, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}
	files := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	return files, err
}

func writeTextFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

type configRow struct {
	key, kind, env, def string
}

// configReference renders one table row per leaf option, keyed by its
// dotted JSON path, with defaults taken from config.DefaultConfig.
func configReference() (string, error) {
	data, err := json.Marshal(config.DefaultConfig())
	if err != nil {
		return "", err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return "", err
	}

	var rows []configRow
	walkConfig(reflect.TypeOf(config.Config{}), "", tree, &rows)
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `config.DefaultConfig()`. Environment variables override the file.\n\n")
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | `%s` |\n", r.key, r.kind, valueOr(r.env, "-"), escapePipes(valueOr(r.def, "-")))
	}
	return b.String(), nil
}

func walkConfig(t reflect.Type, prefix string, defaults map[string]any, rows *[]configRow) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			sub, _ := defaults[name].(map[string]any)
			walkConfig(f.Type, key, sub, rows)
			continue
		}
		def := ""
		if v, ok := defaults[name]; ok && v != nil {
			encoded, _ := json.Marshal(v)
			def = string(encoded)
		}
		*rows = append(*rows, configRow{key: key, kind: typeName(f.Type), env: f.Tag.Get("env"), def: def})
	}
}

func typeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int64:
		return "int"
	case reflect.Float64:
		return "float"
	case reflect.Slice:
		return "array<" + typeName(t.Elem()) + ">"
	case reflect.Map:
		return "map<" + typeName(t.Key()) + "," + typeName(t.Elem()) + ">"
	case reflect.Struct:
		return "object"
	default:
		return t.Kind().String()
	}
}

// providersReference renders the built-in catalog.
func providersReference() string {
	catalog := providers.Catalog()
	sort.SliceStable(catalog, func(i, j int) bool {
		if catalog[i].Priority != catalog[j].Priority {
			return catalog[i].Priority < catalog[j].Priority
		}
		return catalog[i].Name < catalog[j].Name
	})

	var b strings.Builder
	b.WriteString("# Provider Catalog\n\n")
	b.WriteString("Generated from `providers.Catalog()`. An entry joins the fleet when its key variable is set.\n")
	b.WriteString("Lower priority numbers are tried first. Supported families: " + strings.Join(providers.SupportedFamilies(), ", ") + ".\n\n")
	b.WriteString("| Name | Family | Priority | Daily Limit | Key Variable | Model |\n")
	b.WriteString("| --- | --- | --- | --- | --- | --- |\n")
	for _, s := range catalog {
		limit := "-"
		if s.DailyLimit > 0 {
			limit = strconv.Itoa(s.DailyLimit)
		}
		fmt.Fprintf(&b, "| `%s` | %s | %d | %s | `%s` | `%s` |\n", s.Name, s.Family, s.Priority, limit, valueOr(s.APIKeyEnv, "-"), escapePipes(s.Model))
	}
	return b.String()
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
