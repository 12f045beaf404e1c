// Package schema defines the port schema model used throughout TaskWeave.
//
// Every task declares an input and an output schema. Both are object
// schemas whose properties are the task's ports. Besides the usual JSON
// Schema keywords, ports carry three engine-level annotations:
//
//   - format: a dotted semantic kind, optionally narrowed with a ":" suffix
//     (e.g. "model" or "model:EmbeddingTask"). Kinds gate dataflow
//     compatibility and select handle resolvers.
//   - x-stream: "replace" (default) or "append". Append ports concatenate
//     streamed chunks into a single value.
//   - x-replicate: when true, an array input fans the task out once per
//     element.
//
// Streaming mode and replication are static properties of a task type and
// never change at runtime.
//
// Validation is backed by github.com/xeipuuv/gojsonschema. Schemas are
// compiled once per task type and cached; dynamic-schema tasks invalidate
// their entry when the schema changes.
package schema
