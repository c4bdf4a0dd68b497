package extract

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
)

const drawingML = "http://schemas.openxmlformats.org/drawingml/2006/main"

// extractPPTX returns one unit per slide in presentation order: the trimmed
// text of each shape, shapes joined by newlines. Slides without text are
// dropped.
func extractPPTX(path string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open pptx: %w", err)
	}
	defer zr.Close()

	parts := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		parts[f.Name] = f
	}
	order, err := slideOrder(parts)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		order = slidesByName(zr.File)
	}

	units := make([]string, 0, len(order))
	for _, name := range order {
		f, ok := parts[name]
		if !ok {
			return nil, fmt.Errorf("slide part %s missing", name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		shapes, err := slideShapes(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if len(shapes) > 0 {
			units = append(units, strings.Join(shapes, "\n"))
		}
	}
	return keep(units), nil
}

type presentationPart struct {
	SlideIDs []struct {
		RelID string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships id,attr"`
	} `xml:"sldIdLst>sldId"`
}

type relationshipsPart struct {
	Relationships []struct {
		ID     string `xml:"Id,attr"`
		Type   string `xml:"Type,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

// slideOrder resolves the sldIdLst of ppt/presentation.xml through its
// relationships into slide part names. It returns nil when the deck has no
// presentation part or lists no slides.
func slideOrder(parts map[string]*zip.File) ([]string, error) {
	pf, ok := parts["ppt/presentation.xml"]
	if !ok {
		return nil, nil
	}
	var pres presentationPart
	if err := decodePart(pf, &pres); err != nil {
		return nil, err
	}
	if len(pres.SlideIDs) == 0 {
		return nil, nil
	}

	rf, ok := parts["ppt/_rels/presentation.xml.rels"]
	if !ok {
		return nil, fmt.Errorf("presentation lists %d slides but has no relationships part", len(pres.SlideIDs))
	}
	var rels relationshipsPart
	if err := decodePart(rf, &rels); err != nil {
		return nil, err
	}
	targets := make(map[string]string, len(rels.Relationships))
	for _, r := range rels.Relationships {
		if strings.HasSuffix(r.Type, "/slide") {
			targets[r.ID] = r.Target
		}
	}

	order := make([]string, 0, len(pres.SlideIDs))
	for _, id := range pres.SlideIDs {
		target, ok := targets[id.RelID]
		if !ok {
			return nil, fmt.Errorf("slide relationship %q not found", id.RelID)
		}
		if strings.HasPrefix(target, "/") {
			order = append(order, strings.TrimPrefix(target, "/"))
		} else {
			order = append(order, path.Join("ppt", target))
		}
	}
	return order, nil
}

// slidesByName orders ppt/slides/slideN.xml parts by N.
func slidesByName(files []*zip.File) []string {
	type slide struct {
		num  int
		name string
	}
	var slides []slide
	for _, f := range files {
		name := f.Name
		if !strings.HasPrefix(name, "ppt/slides/slide") || !strings.HasSuffix(name, ".xml") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml"))
		if err != nil {
			continue
		}
		slides = append(slides, slide{num: n, name: name})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	names := make([]string, len(slides))
	for i, s := range slides {
		names[i] = s.name
	}
	return names
}

func decodePart(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%s: %w", f.Name, err)
	}
	defer rc.Close()
	if err := xml.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("%s: %w", f.Name, err)
	}
	return nil
}

// slideShapes returns the non-blank text of each shape on a slide.
func slideShapes(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var (
		shapes     []string
		paragraphs []string
		para       strings.Builder
		inShape    int
		inText     bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return shapes, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "sp" && t.Name.Space != drawingML:
				inShape++
				paragraphs = paragraphs[:0]
			case t.Name.Space == drawingML && t.Name.Local == "p":
				para.Reset()
			case t.Name.Space == drawingML && t.Name.Local == "t":
				inText = true
			case t.Name.Space == drawingML && t.Name.Local == "br":
				para.WriteString("\n")
			}
		case xml.CharData:
			if inText && inShape > 0 {
				para.Write(t)
			}
		case xml.EndElement:
			switch {
			case t.Name.Space == drawingML && t.Name.Local == "t":
				inText = false
			case t.Name.Space == drawingML && t.Name.Local == "p":
				if inShape > 0 {
					paragraphs = append(paragraphs, para.String())
				}
			case t.Name.Local == "sp" && t.Name.Space != drawingML:
				inShape--
				if text := strings.TrimSpace(strings.Join(paragraphs, "\n")); text != "" {
					shapes = append(shapes, text)
				}
			}
		}
	}
}
