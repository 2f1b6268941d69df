package export

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/digitorus/pdf"

	"github.com/tessone/quire/internal/annotio"
	"github.com/tessone/quire/internal/draw"
	"github.com/tessone/quire/internal/models"
)

// overlayScale is the raster resolution of the annotation layer in
// pixels per PDF point.
const overlayScale = 2.0

// ErrXrefStream marks originals whose cross-reference data is a
// stream. The incremental table appendix only applies to classic
// tables; callers fall back to the rasterized export path.
var ErrXrefStream = fmt.Errorf("export: original uses a cross-reference stream")

type xrefEntry struct {
	id     int
	offset int64
}

// Overlay appends an incremental update to the original document
// bytes: each annotated page gets a transparent annotation raster
// composited over its existing content. Base text and vector content
// is copied untouched, never re-encoded.
func (e *Exporter) Overlay(ctx context.Context, original []byte, annsFor AnnotationsFor) ([]byte, error) {
	rdr, err := pdf.NewReader(bytes.NewReader(original), int64(len(original)))
	if err != nil {
		return nil, fmt.Errorf("export: parse original: %w", err)
	}
	if rdr.XrefInformation.Type != "table" {
		return nil, ErrXrefStream
	}

	var out bytes.Buffer
	out.Write(original)
	if original[len(original)-1] != '\n' {
		out.WriteByte('\n')
	}

	ov := &overlayContext{
		rdr:    rdr,
		out:    &out,
		nextID: int(rdr.XrefInformation.ItemCount),
		logger: e.logger(),
	}

	touched := 0
	for page := 1; page <= rdr.NumPage(); page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		anns := annotio.FilterValid(annsFor(page), e.logger())
		if len(anns) == 0 {
			continue
		}
		if err := ov.overlayPage(page, anns); err != nil {
			return nil, fmt.Errorf("export: page %d: %w", page, err)
		}
		touched++
	}
	if touched == 0 {
		return original, nil
	}

	ov.writeXrefAndTrailer()
	return out.Bytes(), nil
}

type overlayContext struct {
	rdr    *pdf.Reader
	out    *bytes.Buffer
	nextID int
	logger *slog.Logger

	newEntries     []xrefEntry
	updatedEntries []xrefEntry
}

func (ov *overlayContext) addObject(body string) int {
	id := ov.nextID
	ov.nextID++
	ov.newEntries = append(ov.newEntries, xrefEntry{id: id, offset: int64(ov.out.Len())})
	fmt.Fprintf(ov.out, "%d 0 obj\n%s\nendobj\n", id, body)
	return id
}

func (ov *overlayContext) addStream(dict string, data []byte) int {
	id := ov.nextID
	ov.nextID++
	ov.newEntries = append(ov.newEntries, xrefEntry{id: id, offset: int64(ov.out.Len())})
	fmt.Fprintf(ov.out, "%d 0 obj\n%s\nstream\n", id, dict)
	ov.out.Write(data)
	ov.out.WriteString("\nendstream\nendobj\n")
	return id
}

// updateObject rewrites an existing object under its original id.
func (ov *overlayContext) updateObject(id, gen int, body string) {
	ov.updatedEntries = append(ov.updatedEntries, xrefEntry{id: id, offset: int64(ov.out.Len())})
	fmt.Fprintf(ov.out, "%d %d obj\n%s\nendobj\n", id, gen, body)
}

// overlayPage renders the page's annotations onto a transparent
// raster, embeds it as an Image XObject with an alpha SMask, and
// rewrites the page object to composite the new layer after the
// original content.
func (ov *overlayContext) overlayPage(page int, anns []models.Annotation) error {
	pageVal, _ := findPage(ov.rdr.Trailer().Key("Root").Key("Pages"), page)
	if pageVal.Kind() == pdf.Null {
		return fmt.Errorf("page object not found")
	}
	pagePtr := pageVal.GetPtr()
	if pagePtr.GetID() == 0 {
		return fmt.Errorf("page object is not indirect")
	}
	mb := mediaBox(pageVal)
	widthPt := mb[2] - mb[0]
	heightPt := mb[3] - mb[1]
	if widthPt <= 0 || heightPt <= 0 {
		return fmt.Errorf("degenerate media box %v", mb)
	}

	w := int(widthPt * overlayScale)
	h := int(heightPt * overlayScale)
	layer := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.DrawPage(layer, anns, overlayScale, true)

	alpha, err := deflateGray(layer)
	if err != nil {
		return fmt.Errorf("compress alpha: %w", err)
	}
	color, err := deflateUnmultipliedRGB(layer)
	if err != nil {
		return fmt.Errorf("compress color: %w", err)
	}

	smaskID := ov.addStream(fmt.Sprintf(
		"<< /Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceGray /BitsPerComponent 8 /Filter /FlateDecode /Length %d >>",
		w, h, len(alpha)), alpha)
	imageID := ov.addStream(fmt.Sprintf(
		"<< /Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /FlateDecode /SMask %d 0 R /Length %d >>",
		w, h, smaskID, len(color)), color)

	// Image space already puts row zero at the top edge of the unit
	// square, matching annotation space, so mapping to the page box
	// needs no flip.
	name := fmt.Sprintf("QAnn%d", imageID)
	content := fmt.Sprintf("q %.4f 0 0 %.4f %.4f %.4f cm /%s Do Q",
		widthPt, heightPt, mb[0], mb[1], name)
	contentID := ov.addStream(fmt.Sprintf("<< /Length %d >>", len(content)), []byte(content))

	body, err := rewritePageDict(pageVal, contentID, name, imageID)
	if err != nil {
		return err
	}
	ov.updateObject(int(pagePtr.GetID()), int(pagePtr.GetGen()), body)
	ov.logger.Debug("composited annotation layer",
		slog.Int("page", page),
		slog.Int("annotations", len(anns)))
	return nil
}

// rewritePageDict re-emits the page dictionary with the overlay
// content stream appended and its XObject registered, preserving
// every other entry by reference.
func rewritePageDict(page pdf.Value, contentID int, xobjName string, imageID int) (string, error) {
	var buf bytes.Buffer
	buf.WriteString("<<")
	for _, key := range page.Keys() {
		if key == "Contents" || key == "Resources" {
			continue
		}
		fmt.Fprintf(&buf, " /%s ", key)
		serializeValue(&buf, page.Key(key))
	}

	buf.WriteString(" /Contents [")
	contents := page.Key("Contents")
	switch {
	case contents.Kind() == pdf.Array:
		for i := 0; i < contents.Len(); i++ {
			ptr := contents.Index(i).GetPtr()
			if ptr.GetID() > 0 {
				fmt.Fprintf(&buf, " %d %d R", ptr.GetID(), ptr.GetGen())
			}
		}
	default:
		if ptr := contents.GetPtr(); ptr.GetID() > 0 {
			fmt.Fprintf(&buf, " %d %d R", ptr.GetID(), ptr.GetGen())
		}
	}
	fmt.Fprintf(&buf, " %d 0 R ]", contentID)

	// Resources lose their indirection when inherited or shared, but
	// inner entries keep theirs.
	buf.WriteString(" /Resources <<")
	resources := resolveResources(page)
	for _, key := range resources.Keys() {
		if key == "XObject" {
			continue
		}
		fmt.Fprintf(&buf, " /%s ", key)
		serializeValue(&buf, resources.Key(key))
	}
	buf.WriteString(" /XObject <<")
	xobjects := resources.Key("XObject")
	if xobjects.Kind() == pdf.Dict {
		for _, key := range xobjects.Keys() {
			fmt.Fprintf(&buf, " /%s ", key)
			serializeValue(&buf, xobjects.Key(key))
		}
	}
	fmt.Fprintf(&buf, " /%s %d 0 R >> >>", xobjName, imageID)

	buf.WriteString(" >>")
	return buf.String(), nil
}

// resolveResources follows Parent inheritance to the effective
// resource dictionary.
func resolveResources(page pdf.Value) pdf.Value {
	node := page
	for i := 0; i < 32 && node.Kind() != pdf.Null; i++ {
		if res := node.Key("Resources"); res.Kind() == pdf.Dict {
			return res
		}
		node = node.Key("Parent")
	}
	return pdf.Value{}
}

func (ov *overlayContext) writeXrefAndTrailer() {
	xrefStart := ov.out.Len()
	ov.out.WriteString("xref\n")
	for _, entry := range ov.updatedEntries {
		fmt.Fprintf(ov.out, "%d 1\n%010d 00000 n\r\n", entry.id, entry.offset)
	}
	if len(ov.newEntries) > 0 {
		fmt.Fprintf(ov.out, "%d %d\n", ov.newEntries[0].id, len(ov.newEntries))
		for _, entry := range ov.newEntries {
			fmt.Fprintf(ov.out, "%010d 00000 n\r\n", entry.offset)
		}
	}

	root := ov.rdr.Trailer().Key("Root").GetPtr()
	fmt.Fprintf(ov.out, "trailer\n<< /Size %d /Root %d %d R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n",
		ov.nextID, root.GetID(), root.GetGen(), ov.rdr.XrefInformation.StartPos, xrefStart)
}

// findPage walks the page tree to the 1-based page number.
func findPage(node pdf.Value, want int) (pdf.Value, int) {
	switch node.Key("Type").Name() {
	case "Page":
		if want == 1 {
			return node, 0
		}
		return pdf.Value{}, want - 1
	case "Pages":
		kids := node.Key("Kids")
		for i := 0; i < kids.Len(); i++ {
			found, rest := findPage(kids.Index(i), want)
			if found.Kind() != pdf.Null {
				return found, 0
			}
			want = rest
		}
	}
	return pdf.Value{}, want
}

// mediaBox resolves the page box, following Parent inheritance.
func mediaBox(page pdf.Value) [4]float64 {
	mb := [4]float64{0, 0, 612, 792}
	node := page
	for i := 0; i < 32 && node.Kind() != pdf.Null; i++ {
		box := node.Key("MediaBox")
		if box.Kind() == pdf.Array && box.Len() >= 4 {
			for j := 0; j < 4; j++ {
				mb[j] = box.Index(j).Float64()
			}
			return mb
		}
		node = node.Key("Parent")
	}
	return mb
}

// serializeValue re-emits a parsed value in PDF syntax, preserving
// indirect references instead of inlining their targets.
func serializeValue(buf *bytes.Buffer, val pdf.Value) {
	if ptr := val.GetPtr(); ptr.GetID() > 0 {
		fmt.Fprintf(buf, "%d %d R", ptr.GetID(), ptr.GetGen())
		return
	}
	switch val.Kind() {
	case pdf.Array:
		buf.WriteString("[")
		for i := 0; i < val.Len(); i++ {
			buf.WriteString(" ")
			serializeValue(buf, val.Index(i))
		}
		buf.WriteString(" ]")
	case pdf.Dict:
		buf.WriteString("<<")
		for _, key := range val.Keys() {
			fmt.Fprintf(buf, " /%s ", key)
			serializeValue(buf, val.Key(key))
		}
		buf.WriteString(" >>")
	case pdf.Name:
		buf.WriteString("/" + val.Name())
	case pdf.String:
		buf.WriteString(pdfEscapeString(val.RawString()))
	default:
		buf.WriteString(val.String())
	}
}

func pdfEscapeString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "(", "\\(")
	s = strings.ReplaceAll(s, ")", "\\)")
	s = strings.ReplaceAll(s, "\r", "\\r")
	return "(" + s + ")"
}

// deflateGray compresses the alpha channel for use as an SMask.
func deflateGray(img *image.RGBA) ([]byte, error) {
	b := img.Bounds()
	raw := make([]byte, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			raw = append(raw, img.Pix[img.PixOffset(x, y)+3])
		}
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deflateUnmultipliedRGB compresses the color channels with the
// premultiplied alpha divided back out, as PDF expects unassociated
// color with an SMask.
func deflateUnmultipliedRGB(img *image.RGBA) ([]byte, error) {
	b := img.Bounds()
	raw := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := img.PixOffset(x, y)
			a := img.Pix[i+3]
			if a == 0 {
				raw = append(raw, 0, 0, 0)
				continue
			}
			raw = append(raw,
				uint8(int(img.Pix[i])*255/int(a)),
				uint8(int(img.Pix[i+1])*255/int(a)),
				uint8(int(img.Pix[i+2])*255/int(a)))
		}
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

