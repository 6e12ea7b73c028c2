package chunking

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
)

// htmlStrategy parses documents the converter left as raw HTML. Small files
// take a cheap tag-strip path; larger files up to the parse ceiling get a
// DOM walk with section boundaries at headers and semantic containers.
type htmlStrategy struct {
	cfg    config.ChunkingConfig
	logger *slog.Logger
}

func (s *htmlStrategy) name() string { return "html" }

var (
	tagPattern    = regexp.MustCompile(`(?s)<[^>]*>`)
	scriptPattern = regexp.MustCompile(`(?si)<(script|style)[^>]*>.*?</(script|style)>`)
	blankPattern  = regexp.MustCompile(`\n{3,}`)
)

func (s *htmlStrategy) split(ctx context.Context, doc Document) []piece {
	simpleThreshold := s.cfg.HTML.SimpleParsingThreshold
	if simpleThreshold <= 0 {
		simpleThreshold = 4096
	}
	maxParse := s.cfg.HTML.MaxHTMLSizeForParsing
	if maxParse <= 0 {
		maxParse = 2 << 20
	}

	if len(doc.Content) < simpleThreshold || len(doc.Content) > maxParse {
		if len(doc.Content) > maxParse {
			s.logger.Warn("html too large for dom parse, stripping tags",
				slog.String("document_id", doc.ID),
				slog.Int("size", len(doc.Content)))
		}
		return s.stripAndWindow(doc)
	}

	gq, err := goquery.NewDocumentFromReader(strings.NewReader(doc.Content))
	if err != nil {
		s.logger.Warn("html parse failed, stripping tags",
			slog.String("document_id", doc.ID), slog.String("error", err.Error()))
		return s.stripAndWindow(doc)
	}
	return s.domSplit(ctx, doc, gq)
}

// stripAndWindow is the cheap path: drop script/style, strip tags, window.
func (s *htmlStrategy) stripAndWindow(doc Document) []piece {
	text := scriptPattern.ReplaceAllString(doc.Content, "")
	text = tagPattern.ReplaceAllString(text, "\n")
	text = blankPattern.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return windowSplit(text, s.cfg, s.logger, doc.ID)
}

type htmlSection struct {
	title   string
	domPath string
	text    strings.Builder
}

// domSplit walks the body in document order. A new section opens at each
// h1..h6, article, or section element; remaining text accumulates into the
// current section.
func (s *htmlStrategy) domSplit(_ context.Context, doc Document, gq *goquery.Document) []piece {
	body := gq.Find("body")
	if body.Length() == 0 {
		return s.stripAndWindow(doc)
	}

	sections := []*htmlSection{{domPath: "html > body"}}
	s.walk(body, "html > body", &sections)

	var pieces []piece
	for _, sec := range sections {
		text := strings.TrimSpace(sec.text.String())
		if text == "" {
			continue
		}
		if sec.title != "" {
			text = sec.title + "\n\n" + text
		}
		for _, p := range windowSplit(text, s.cfg, s.logger, doc.ID) {
			meta := map[string]string{"section_title": sec.title}
			if s.cfg.HTML.PreserveSemanticStructure {
				meta["dom_path"] = sec.domPath
			}
			pieces = append(pieces, piece{content: p.content, meta: meta})
		}
	}
	return pieces
}

func (s *htmlStrategy) walk(sel *goquery.Selection, path string, sections *[]*htmlSection) {
	sel.Children().Each(func(_ int, child *goquery.Selection) {
		tag := goquery.NodeName(child)
		childPath := path + " > " + tag
		switch {
		case isHeaderTag(tag):
			*sections = append(*sections, &htmlSection{
				title:   strings.TrimSpace(child.Text()),
				domPath: childPath,
			})
		case tag == "article" || tag == "section":
			*sections = append(*sections, &htmlSection{domPath: childPath})
			s.walk(child, childPath, sections)
		case tag == "script" || tag == "style" || tag == "noscript":
			// skip
		case child.Find("h1,h2,h3,h4,h5,h6,article,section").Length() > 0:
			s.walk(child, childPath, sections)
		default:
			text := strings.TrimSpace(child.Text())
			if text == "" {
				return
			}
			cur := (*sections)[len(*sections)-1]
			if cur.text.Len() > 0 {
				cur.text.WriteString("\n\n")
			}
			cur.text.WriteString(text)
		}
	})
}

func isHeaderTag(tag string) bool {
	return len(tag) == 2 && tag[0] == 'h' && tag[1] >= '1' && tag[1] <= '6'
}
