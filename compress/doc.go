/*
Package compress implements the server's native compressed frame format.

A frame is a 16-byte CityHash-128 checksum, a 9-byte mini-header and a
compressed block:

	[0..16)   checksum over [16 .. end of payload)
	[16]      method byte (0x82 LZ4, 0x90 ZSTD, 0x02 none)
	[17..21)  compressed size including the 9-byte mini-header, int32 LE
	[21..25)  uncompressed size, int32 LE
	[25.. )   payload

Writer and Reader adapt frames to io.Writer and io.Reader. The standard
HTTP content encodings used when compression is negotiated through
Content-Encoding headers live in encoding.go.
*/
package compress
