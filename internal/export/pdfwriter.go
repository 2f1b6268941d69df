package export

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"image"
	"image/jpeg"
)

// encodedImage is a page raster ready to embed as an Image XObject.
type encodedImage struct {
	data   []byte
	filter string
	width  int
	height int
}

func encodePageImage(img *image.RGBA, p tierParams) (encodedImage, error) {
	b := img.Bounds()
	if p.lossless {
		data, err := deflateRGB(img)
		if err != nil {
			return encodedImage{}, err
		}
		return encodedImage{data: data, filter: "FlateDecode", width: b.Dx(), height: b.Dy()}, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.jpegQuality}); err != nil {
		return encodedImage{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return encodedImage{data: buf.Bytes(), filter: "DCTDecode", width: b.Dx(), height: b.Dy()}, nil
}

func deflateRGB(img *image.RGBA) ([]byte, error) {
	b := img.Bounds()
	raw := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := img.PixOffset(x, y)
			raw = append(raw, img.Pix[i], img.Pix[i+1], img.Pix[i+2])
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

type writtenPage struct {
	imageID   int
	contentID int
	widthPt   float64
	heightPt  float64
}

// docWriter assembles a fresh rasterized PDF: one full-bleed Image
// XObject per page. Objects are serialized into a buffer with their
// byte offsets recorded for the cross-reference table.
type docWriter struct {
	buf     bytes.Buffer
	offsets []int64
	pages   []writtenPage
}

func newDocWriter() *docWriter {
	w := &docWriter{}
	// Binary comment line marks the file 8-bit clean.
	w.buf.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")
	return w
}

func (w *docWriter) pageCount() int { return len(w.pages) }

// projectedLen estimates the artifact size with one more page image
// of the given encoded length added.
func (w *docWriter) projectedLen(nextImageLen int) int64 {
	const perObjectOverhead = 512
	return int64(w.buf.Len()) + int64(nextImageLen) + 4*perObjectOverhead
}

// addObject writes `id 0 obj ... endobj` and returns the id.
func (w *docWriter) addObject(body string) int {
	id := len(w.offsets) + 1
	w.offsets = append(w.offsets, int64(w.buf.Len()))
	fmt.Fprintf(&w.buf, "%d 0 obj\n%s\nendobj\n", id, body)
	return id
}

func (w *docWriter) addStream(dict string, data []byte) int {
	id := len(w.offsets) + 1
	w.offsets = append(w.offsets, int64(w.buf.Len()))
	fmt.Fprintf(&w.buf, "%d 0 obj\n%s\nstream\n", id, dict)
	w.buf.Write(data)
	w.buf.WriteString("\nendstream\nendobj\n")
	return id
}

func (w *docWriter) addPage(img encodedImage, widthPt, heightPt float64) {
	imageID := w.addStream(fmt.Sprintf(
		"<< /Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /%s /Length %d >>",
		img.width, img.height, img.filter, len(img.data)), img.data)

	content := fmt.Sprintf("q %.4f 0 0 %.4f 0 0 cm /Im%d Do Q", widthPt, heightPt, imageID)
	contentID := w.addStream(fmt.Sprintf("<< /Length %d >>", len(content)), []byte(content))

	w.pages = append(w.pages, writtenPage{
		imageID:   imageID,
		contentID: contentID,
		widthPt:   widthPt,
		heightPt:  heightPt,
	})
}

// finalize writes the page tree, catalog, xref table, and trailer and
// returns the complete document.
func (w *docWriter) finalize() ([]byte, error) {
	if len(w.pages) == 0 {
		return nil, fmt.Errorf("pdf writer: no pages")
	}
	// Page objects come first so the parent id is known up front.
	pagesID := len(w.offsets) + 1 + len(w.pages)
	kids := &bytes.Buffer{}
	for _, p := range w.pages {
		id := w.addObject(fmt.Sprintf(
			"<< /Type /Page /Parent %d 0 R /MediaBox [0 0 %.4f %.4f] /Contents %d 0 R /Resources << /XObject << /Im%d %d 0 R >> >> >>",
			pagesID, p.widthPt, p.heightPt, p.contentID, p.imageID, p.imageID))
		fmt.Fprintf(kids, "%d 0 R ", id)
	}
	w.addObject(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids.String(), len(w.pages)))
	catalogID := w.addObject(fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", pagesID))

	xrefStart := w.buf.Len()
	fmt.Fprintf(&w.buf, "xref\n0 %d\n", len(w.offsets)+1)
	w.buf.WriteString("0000000000 65535 f\r\n")
	for _, off := range w.offsets {
		fmt.Fprintf(&w.buf, "%010d 00000 n\r\n", off)
	}
	fmt.Fprintf(&w.buf, "trailer\n<< /Size %d /Root %d 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(w.offsets)+1, catalogID, xrefStart)
	return w.buf.Bytes(), nil
}
