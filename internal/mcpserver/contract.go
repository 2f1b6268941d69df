package mcpserver

// AnnotationFormatContract describes the JSON annotation format that
// LLM consumers should follow when creating annotations or reading an
// exported annotation file.
const AnnotationFormatContract = `# Quire Annotation Format Contract

Every annotation stored in Quire MUST follow this structure.

## Structure

` + "```" + `json
{
  "id": "b7c9...",                // assigned by the server when omitted
  "document_id": "4f2a...",      // the target document's identity
  "page": 1,                      // 1-based page number
  "kind": "rect",                // see Kinds below
  "points": [                     // page-space PDF points, origin top-left
    {"x": 72.0, "y": 96.0},
    {"x": 220.0, "y": 180.0}
  ],
  "style": {
    "color": "#cc2a36",          // #rrggbb
    "line_width": 2,              // stroke width in points
    "opacity": 1                  // 0..1
  },
  "author": "reviewer",           // optional
  "created_at": "2025-06-01T12:00:00Z"
}
` + "```" + `

## Kinds

- ` + "`" + `freehand` + "`" + ` – polyline through every point; 2+ points.
- ` + "`" + `line` + "`" + `, ` + "`" + `arrow` + "`" + `, ` + "`" + `double-arrow` + "`" + `, ` + "`" + `dimension` + "`" + ` – exactly 2 points (start, end).
- ` + "`" + `rect` + "`" + `, ` + "`" + `circle` + "`" + `, ` + "`" + `triangle` + "`" + `, ` + "`" + `star` + "`" + `, ` + "`" + `highlight` + "`" + `, ` + "`" + `cloud` + "`" + ` – 2 points spanning the bounding box.
- ` + "`" + `text` + "`" + `, ` + "`" + `sticky` + "`" + ` – 1 anchor point; set ` + "`" + `style.text` + "`" + ` (and ` + "`" + `style.font_size` + "`" + ` for text).
- ` + "`" + `stamp-approved` + "`" + `, ` + "`" + `stamp-rejected` + "`" + `, ` + "`" + `stamp-draft` + "`" + `, ` + "`" + `stamp-reviewed` + "`" + ` – 1 anchor point.
- ` + "`" + `stamp-custom` + "`" + ` – 1 anchor point; set ` + "`" + `style.stamp_text` + "`" + `.
- ` + "`" + `north-arrow` + "`" + `, ` + "`" + `section-mark` + "`" + ` – 1 anchor point.

## Rules

1. **Coordinates are page space.** Points are measured in PDF points
   (1/72 inch) from the page's top-left corner, independent of zoom.
2. **` + "`" + `page` + "`" + ` is 1-based** and must exist in the document.
3. **` + "`" + `style.color` + "`" + ` is ` + "`" + `#rrggbb` + "`" + `** – no shorthand, no alpha channel.
   Use ` + "`" + `style.opacity` + "`" + ` for transparency.
4. **Highlights multiply.** A highlight darkens what is under it; text
   beneath stays legible. Prefer light colors like ` + "`" + `#ffff00` + "`" + `.
5. Points outside the page are kept but will not be visible.

## Interchange files

Exported annotation files wrap the records:

` + "```" + `json
{
  "version": 1,
  "document_id": "4f2a...",
  "annotations": [ ... ]
}
` + "```" + `

On import the ` + "`" + `document_id` + "`" + ` of every record is rebound to the
target document.
`
