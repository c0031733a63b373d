// Package parser extracts plain text from uploaded documents.
//
// Each supported format has exactly one Parser. Detect picks it from the
// declared format, or from the file extension and leading bytes when no
// format was declared; a document matching nothing fails with
// ReasonUnsupportedFormat instead of being tried against every parser.
//
// Parsers are pure: they read bytes and return text or a *Failure, and
// never touch downstream state. Text formats are decoded while streaming;
// PDF and DOCX need random access and are spooled to a temporary file.
package parser
