/*
Package templating compiles deployable text artifacts from ordered lists of
source files.

For each destination the sources are read in declared order and joined
without a separator. Placeholder tokens of the form <%= name %> are then
replaced by the text of the include registered under that name; a token
whose include could not be loaded renders as the empty string.
Substitution is a single pass: text coming from an include is never
scanned for further placeholders, so include content may safely contain
token-like sequences. A token must hold a single include name: keywords
such as true or nil, trim markers like <%= lib -%> and other expressions
are rejected with ErrInvalidPlaceholder.

A target may additionally be compiled in bookmarklet form, in which the
result is wrapped in an immediately-invoked function expression, prefixed
with the javascript: scheme and percent-encoded the same way ECMAScript's
encodeURI does. Targets can also request precompressed gzip and zstd
sidecars next to each artifact for static file servers.
*/
package templating
