package chunk

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/csharp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/php"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// languageSet maps file extensions to tree-sitter parsers and language names.
// Parsers are not safe for concurrent use, so parsing is serialized.
type languageSet struct {
	mu      sync.Mutex
	parsers map[string]*sitter.Parser
	names   map[string]string
}

func newLanguageSet() *languageSet {
	grammars := map[string]struct {
		lang *sitter.Language
		name string
	}{
		".go":  {golang.GetLanguage(), "go"},
		".js":  {javascript.GetLanguage(), "javascript"},
		".jsx": {javascript.GetLanguage(), "javascript"},
		".ts":  {typescript.GetLanguage(), "typescript"},
		".tsx": {typescript.GetLanguage(), "typescript"},
		".py":  {python.GetLanguage(), "python"},
		".php": {php.GetLanguage(), "php"},
		".cs":  {csharp.GetLanguage(), "csharp"},
	}

	ls := &languageSet{
		parsers: make(map[string]*sitter.Parser),
		names:   make(map[string]string),
	}
	for ext, g := range grammars {
		parser := sitter.NewParser()
		parser.SetLanguage(g.lang)
		ls.parsers[ext] = parser
		ls.names[ext] = g.name
	}
	return ls
}

// detect returns the language name for a path, or "text" when unknown.
func (ls *languageSet) detect(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if name, ok := ls.names[ext]; ok {
		return name
	}
	return "text"
}

// cutPoints returns preferred split offsets: the end of each top-level
// declaration for parsed languages. Returns nil when the file's language has
// no parser or parsing fails, letting the caller fall back to line splits.
func (ls *languageSet) cutPoints(filePath, content string) []int {
	ext := strings.ToLower(filepath.Ext(filePath))

	ls.mu.Lock()
	parser, ok := ls.parsers[ext]
	if !ok {
		ls.mu.Unlock()
		return nil
	}

	tree, err := parser.ParseCtx(context.Background(), nil, []byte(content))
	ls.mu.Unlock()
	if err != nil || tree == nil {
		return nil
	}
	defer tree.Close()

	root := tree.RootNode()
	var cuts []int
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		end := int(child.EndByte())
		// Include the trailing newline so the next chunk starts clean.
		if end < len(content) && content[end] == '\n' {
			end++
		}
		if end > 0 && end <= len(content) {
			cuts = append(cuts, end)
		}
	}
	return cuts
}
