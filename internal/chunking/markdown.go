package chunking

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
)

var (
	headerPattern      = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	tableRowPattern    = regexp.MustCompile(`^\s*\|.*\|\s*$`)
	tableDividerRegexp = regexp.MustCompile(`^\s*\|[\s\-:|]+\|\s*$`)
)

// markdownStrategy splits on the header hierarchy. The split depth adapts
// to the document: many H1s split on H1 only, Excel-derived sheets split on
// H2, H3-heavy documents split down to H3. Oversized sections go through a
// table-aware splitter that keeps table rows intact.
type markdownStrategy struct {
	cfg    config.ChunkingConfig
	logger *slog.Logger
}

func (s *markdownStrategy) name() string { return "markdown" }

type mdSection struct {
	level   int
	title   string
	path    string // breadcrumb, " > " separated
	content string
}

func (s *markdownStrategy) split(_ context.Context, doc Document) []piece {
	splitLevel := s.splitLevel(doc)
	sections := parseSections(doc.Content, splitLevel)

	size := s.cfg.ChunkSize
	if size <= 0 {
		size = 1500
	}
	minSection := s.cfg.Markdown.MinSectionSize

	var pieces []piece
	for _, sec := range sections {
		content := strings.TrimRight(sec.content, "\n")
		if strings.TrimSpace(content) == "" {
			continue
		}
		if len(content) <= size || len(content) <= minSection {
			pieces = append(pieces, s.sectionPiece(sec, content))
			continue
		}
		pieces = append(pieces, s.splitSection(doc.ID, sec, content, size)...)
	}
	return pieces
}

// splitLevel decides how deep headers cut the document.
func (s *markdownStrategy) splitLevel(doc Document) int {
	counts := headerCounts(doc.Content)
	th1 := s.cfg.Markdown.HeaderAnalysisThresholdH1
	if th1 <= 0 {
		th1 = 3
	}
	th3 := s.cfg.Markdown.HeaderAnalysisThresholdH3
	if th3 <= 0 {
		th3 = 8
	}

	switch {
	case counts[1] >= th1:
		return 1
	case doc.Metadata["is_excel_sheet"] == "true":
		// Converted workbooks carry one H2 per sheet.
		return 2
	case counts[3] >= th3:
		return 3
	default:
		return 2
	}
}

func headerCounts(content string) [7]int {
	var counts [7]int
	inFence := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if m := headerPattern.FindStringSubmatch(line); m != nil {
			counts[len(m[1])]++
		}
	}
	return counts
}

// parseSections walks the document line by line, cutting a new section at
// every header at or above splitLevel. The breadcrumb tracks all levels.
func parseSections(content string, splitLevel int) []mdSection {
	lines := strings.Split(content, "\n")
	var sections []mdSection
	var stack [6]string
	var b strings.Builder
	current := mdSection{}
	inFence := false

	flush := func() {
		current.content = b.String()
		sections = append(sections, current)
		b.Reset()
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}
		m := headerPattern.FindStringSubmatch(line)
		if m != nil && !inFence {
			level := len(m[1])
			title := strings.TrimSpace(m[2])
			stack[level-1] = title
			for i := level; i < 6; i++ {
				stack[i] = ""
			}
			if level <= splitLevel {
				if b.Len() > 0 {
					flush()
				}
				current = mdSection{
					level: level,
					title: title,
					path:  breadcrumb(stack[:], level),
				}
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if b.Len() > 0 {
		flush()
	}
	return sections
}

func breadcrumb(stack []string, level int) string {
	var parts []string
	for i := 0; i < level; i++ {
		if stack[i] != "" {
			parts = append(parts, stack[i])
		}
	}
	return strings.Join(parts, " > ")
}

func (s *markdownStrategy) sectionPiece(sec mdSection, content string) piece {
	return piece{
		content: content,
		meta: map[string]string{
			"section_title": sec.title,
			"header_path":   sec.path,
			"header_level":  strconv.Itoa(sec.level),
		},
	}
}

// splitSection breaks an oversized section at block boundaries. Table rows
// are atomic; when a split lands inside a table, the header and divider
// rows are repeated at the head of the continuation. Overlap copies the
// trailing paragraph of one chunk to the head of the next, capped by
// max_overlap_percentage.
func (s *markdownStrategy) splitSection(docID string, sec mdSection, content string, size int) []piece {
	blocks := tableAwareBlocks(content)
	overlapCap := int(s.cfg.MaxOverlapPercentage * float64(size))
	maxPerSection := s.cfg.Markdown.MaxChunksPerSection

	var pieces []piece
	var b strings.Builder
	var tableHead string
	var carry string // trailing paragraph for overlap

	emit := func() {
		if b.Len() == 0 {
			return
		}
		pieces = append(pieces, s.sectionPiece(sec, strings.TrimRight(b.String(), "\n")))
		b.Reset()
	}

	for _, blk := range blocks {
		// A single paragraph larger than the window gets the character
		// splitter; table rows stay whole regardless of size.
		if !blk.tableRow && len(blk.text) > size {
			carry = ""
			emit()
			for _, p := range windowSplit(blk.text, s.cfg, s.logger, docID) {
				pieces = append(pieces, s.sectionPiece(sec, strings.TrimRight(p.content, "\n")))
			}
			continue
		}
		if b.Len() > 0 && b.Len()+len(blk.text) > size {
			carry = lastParagraph(b.String(), overlapCap)
			emit()
			if maxPerSection > 0 && len(pieces) >= maxPerSection {
				s.logger.Warn("section chunk cap reached",
					slog.String("document_id", docID),
					slog.String("section", sec.title),
					slog.Int("cap", maxPerSection))
				return pieces
			}
			if carry != "" && !blk.tableRow {
				b.WriteString(carry)
				b.WriteString("\n\n")
			}
			if blk.tableRow && tableHead != "" && !blk.tableHead {
				b.WriteString(tableHead)
			}
		}
		if blk.tableHead {
			tableHead = blk.text
		}
		if !blk.tableRow {
			tableHead = ""
		}
		b.WriteString(blk.text)
	}
	emit()
	return pieces
}

type mdBlock struct {
	text      string
	tableRow  bool
	tableHead bool // header row plus divider, repeated after splits
}

// tableAwareBlocks cuts the section into paragraphs and individual table
// rows so a chunk boundary can never land mid-row.
func tableAwareBlocks(content string) []mdBlock {
	lines := strings.Split(content, "\n")
	var blocks []mdBlock
	var para strings.Builder

	flushPara := func() {
		if para.Len() > 0 {
			blocks = append(blocks, mdBlock{text: para.String()})
			para.Reset()
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if tableRowPattern.MatchString(line) {
			flushPara()
			// Header row followed by a divider forms the repeatable head.
			if i+1 < len(lines) && tableDividerRegexp.MatchString(lines[i+1]) {
				blocks = append(blocks, mdBlock{
					text:      line + "\n" + lines[i+1] + "\n",
					tableRow:  true,
					tableHead: true,
				})
				i++
				continue
			}
			blocks = append(blocks, mdBlock{text: line + "\n", tableRow: true})
			continue
		}
		para.WriteString(line)
		para.WriteString("\n")
		if strings.TrimSpace(line) == "" {
			flushPara()
		}
	}
	flushPara()
	return blocks
}

// lastParagraph returns the final paragraph of text, truncated to limit
// characters, for use as overlap context.
func lastParagraph(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	text = strings.TrimRight(text, "\n")
	idx := strings.LastIndex(text, "\n\n")
	para := text
	if idx >= 0 {
		para = text[idx+2:]
	}
	if tableRowPattern.MatchString(strings.Split(para, "\n")[0]) {
		return ""
	}
	if len(para) > limit {
		para = para[len(para)-limit:]
		if cut := strings.IndexAny(para, " \n"); cut >= 0 {
			para = strings.TrimLeft(para[cut:], " \n")
		}
	}
	return para
}
