// Package blob opens document bytes from the location named by a source
// reference.
//
// References take one of these forms:
//
//	/var/uploads/report.pdf      local file
//	file:///var/uploads/a.docx   local file
//	gs://bucket/path/report.pdf  Google Cloud Storage object
//	s3://bucket/path/report.pdf  S3-compatible object (MinIO, AWS)
//
// A Router dispatches on the scheme to the registered Source.
package blob
