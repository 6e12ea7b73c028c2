package chunking

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
)

// codeLanguage describes one tree-sitter grammar and the node types that
// form chunk-worthy elements.
type codeLanguage struct {
	name         string
	ts           *sitter.Language
	elementKinds map[string]string // node type -> element kind
	importTypes  map[string]bool
}

// codeStrategy chunks source files by AST elements when parsing is enabled
// and the file is under the AST size ceiling; everything else falls back to
// a line window.
type codeStrategy struct {
	cfg    config.ChunkingConfig
	logger *slog.Logger
	// mu serializes parser access: tree-sitter parsers are not safe for
	// concurrent SetLanguage/ParseCtx, and chunk workers share one strategy.
	mu     sync.Mutex
	parser *sitter.Parser
	byExt  map[string]*codeLanguage
}

func newCodeStrategy(cfg config.ChunkingConfig, logger *slog.Logger) *codeStrategy {
	s := &codeStrategy{
		cfg:    cfg,
		logger: logger,
		parser: sitter.NewParser(),
		byExt:  make(map[string]*codeLanguage),
	}

	register := func(lang *codeLanguage, exts ...string) {
		for _, ext := range exts {
			s.byExt[ext] = lang
		}
	}

	register(&codeLanguage{
		name: "go",
		ts:   golang.GetLanguage(),
		elementKinds: map[string]string{
			"function_declaration": "function",
			"method_declaration":   "method",
			"type_declaration":     "type",
			"const_declaration":    "constant",
			"var_declaration":      "variable",
		},
		importTypes: map[string]bool{"import_declaration": true},
	}, "go")

	register(&codeLanguage{
		name: "python",
		ts:   python.GetLanguage(),
		elementKinds: map[string]string{
			"function_definition":  "function",
			"class_definition":     "class",
			"decorated_definition": "function",
		},
		importTypes: map[string]bool{
			"import_statement":      true,
			"import_from_statement": true,
		},
	}, "py")

	jsKinds := map[string]string{
		"function_declaration":  "function",
		"generator_function_declaration": "function",
		"class_declaration":     "class",
		"method_definition":     "method",
		"lexical_declaration":   "variable",
		"variable_declaration":  "variable",
		"export_statement":      "export",
		"interface_declaration": "interface",
		"type_alias_declaration": "type",
		"enum_declaration":      "type",
	}
	jsImports := map[string]bool{"import_statement": true}
	register(&codeLanguage{name: "javascript", ts: javascript.GetLanguage(),
		elementKinds: jsKinds, importTypes: jsImports}, "js", "jsx", "mjs", "cjs")
	register(&codeLanguage{name: "typescript", ts: typescript.GetLanguage(),
		elementKinds: jsKinds, importTypes: jsImports}, "ts")
	register(&codeLanguage{name: "tsx", ts: tsx.GetLanguage(),
		elementKinds: jsKinds, importTypes: jsImports}, "tsx")

	register(&codeLanguage{
		name: "java",
		ts:   java.GetLanguage(),
		elementKinds: map[string]string{
			"class_declaration":      "class",
			"interface_declaration":  "interface",
			"enum_declaration":       "type",
			"record_declaration":     "type",
			"method_declaration":     "method",
			"constructor_declaration": "method",
			"field_declaration":      "variable",
		},
		importTypes: map[string]bool{"import_declaration": true},
	}, "java")

	// Extensions chunked as code but without a grammar: line-window only.
	for _, ext := range []string{"c", "h", "cpp", "hpp", "cc", "rs", "rb", "php", "cs", "kt", "swift", "scala", "sh", "sql"} {
		s.byExt[ext] = nil
	}

	return s
}

func (s *codeStrategy) name() string { return "code" }

func (s *codeStrategy) close() {
	if s.parser != nil {
		s.parser.Close()
	}
}

func (s *codeStrategy) supports(ext string) bool {
	_, ok := s.byExt[ext]
	return ok
}

func (s *codeStrategy) split(ctx context.Context, doc Document) []piece {
	lang := s.byExt[strings.ToLower(doc.FileType)]

	maxAST := s.cfg.Code.MaxFileSizeForAST
	if maxAST <= 0 {
		maxAST = 1 << 20
	}
	if lang == nil || !s.cfg.Code.EnableASTParsing || len(doc.Content) > maxAST {
		return s.lineWindow(doc.Content, languageName(lang, doc.FileType), nil)
	}

	source := []byte(doc.Content)
	s.mu.Lock()
	s.parser.SetLanguage(lang.ts)
	tree, err := s.parser.ParseCtx(ctx, nil, source)
	s.mu.Unlock()
	if err != nil || tree == nil {
		s.logger.Warn("ast parse failed, falling back to line window",
			slog.String("document_id", doc.ID), slog.String("language", lang.name))
		return s.lineWindow(doc.Content, lang.name, nil)
	}
	defer tree.Close()

	var imports []string
	if s.cfg.Code.EnableDependencyAnalysis {
		imports = collectImports(tree.RootNode(), source, lang)
	}

	maxDepth := s.cfg.Code.MaxRecursionDepth
	if maxDepth <= 0 {
		maxDepth = 4
	}

	var pieces []piece
	var leftover strings.Builder
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		switch {
		case lang.importTypes[node.Type()]:
			// captured above
		case lang.elementKinds[node.Type()] != "":
			pieces = append(pieces, s.elementPieces(node, source, lang, imports, 0, maxDepth)...)
		case node.Type() == "comment" || node.Type() == "package_clause" || node.Type() == "package_declaration":
			// file preamble, carried by imports metadata instead
		default:
			leftover.WriteString(node.Content(source))
			leftover.WriteString("\n")
		}
	}

	if text := strings.TrimSpace(leftover.String()); text != "" {
		pieces = append(pieces, s.lineWindow(text, lang.name, imports)...)
	}
	if len(pieces) == 0 {
		return s.lineWindow(doc.Content, lang.name, imports)
	}
	return pieces
}

// elementPieces turns one AST element into chunks. Oversized containers
// recurse into child elements up to the depth cap; oversized leaves are
// line-split.
func (s *codeStrategy) elementPieces(node *sitter.Node, source []byte, lang *codeLanguage, imports []string, depth, maxDepth int) []piece {
	content := node.Content(source)
	maxElement := s.cfg.Code.MaxElementSize
	if maxElement <= 0 {
		maxElement = s.cfg.ChunkSize
		if maxElement <= 0 {
			maxElement = 1500
		}
	}

	if len(content) <= maxElement {
		return []piece{s.elementPiece(node, source, lang, imports)}
	}

	if depth < maxDepth {
		var children []piece
		for i := 0; i < int(node.NamedChildCount()); i++ {
			children = append(children, s.childElements(node.NamedChild(i), source, lang, imports, depth+1, maxDepth)...)
		}
		if len(children) > 0 {
			return children
		}
	}

	var pieces []piece
	for _, p := range s.lineWindow(content, lang.name, imports) {
		p.meta["element_kind"] = lang.elementKinds[node.Type()]
		if name := elementName(node, source); name != "" {
			p.meta["element_name"] = name
		}
		pieces = append(pieces, p)
	}
	return pieces
}

// childElements descends through non-element wrappers (bodies, blocks) to
// the next element nodes.
func (s *codeStrategy) childElements(node *sitter.Node, source []byte, lang *codeLanguage, imports []string, depth, maxDepth int) []piece {
	if lang.elementKinds[node.Type()] != "" {
		return s.elementPieces(node, source, lang, imports, depth, maxDepth)
	}
	if depth >= maxDepth {
		return nil
	}
	var pieces []piece
	for i := 0; i < int(node.NamedChildCount()); i++ {
		pieces = append(pieces, s.childElements(node.NamedChild(i), source, lang, imports, depth+1, maxDepth)...)
	}
	return pieces
}

func (s *codeStrategy) elementPiece(node *sitter.Node, src []byte, lang *codeLanguage, imports []string) piece {
	meta := map[string]string{
		"language":     lang.name,
		"element_kind": lang.elementKinds[node.Type()],
		"start_line":   strconv.Itoa(int(node.StartPoint().Row) + 1),
		"end_line":     strconv.Itoa(int(node.EndPoint().Row) + 1),
	}
	if name := elementName(node, src); name != "" {
		meta["element_name"] = name
	}
	if len(imports) > 0 {
		meta["imports"] = strings.Join(imports, "\n")
	}
	return piece{content: node.Content(src), meta: meta}
}

// elementName returns the first identifier-like child's text.
func elementName(node *sitter.Node, src []byte) string {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		t := child.Type()
		if t == "identifier" || t == "name" || strings.HasSuffix(t, "_identifier") {
			return child.Content(src)
		}
	}
	return ""
}

func collectImports(root *sitter.Node, src []byte, lang *codeLanguage) []string {
	var imports []string
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		if lang.importTypes[node.Type()] {
			imports = append(imports, node.Content(src))
		}
	}
	return imports
}

func languageName(lang *codeLanguage, ext string) string {
	if lang != nil {
		return lang.name
	}
	return strings.ToLower(ext)
}

// lineWindow splits content into line-based chunks sized off the character
// budget, with a few lines of overlap between consecutive chunks.
func (s *codeStrategy) lineWindow(content, language string, imports []string) []piece {
	size := s.cfg.ChunkSize
	if size <= 0 {
		size = 1500
	}
	linesPerChunk := size / 60
	if linesPerChunk < 20 {
		linesPerChunk = 20
	}
	overlapLines := effectiveOverlap(s.cfg) / 60
	if overlapLines < 2 {
		overlapLines = 2
	}

	lines := strings.Split(content, "\n")
	var pieces []piece
	for i := 0; i < len(lines); {
		end := i + linesPerChunk
		if end > len(lines) {
			end = len(lines)
		}
		meta := map[string]string{"language": language}
		if len(imports) > 0 {
			meta["imports"] = strings.Join(imports, "\n")
		}
		pieces = append(pieces, piece{
			content: strings.Join(lines[i:end], "\n"),
			meta:    meta,
		})
		if end >= len(lines) {
			break
		}
		i = end - overlapLines
	}
	return pieces
}
