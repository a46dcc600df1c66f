// Package request encodes and decodes the payload grammar carried by the
// three request packet types: command, inject, and extract. Every
// payload is a space-separated, NUL-terminated ASCII line.
package request
