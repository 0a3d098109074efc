package tlsmask

// ClientHelloInfo holds the diagnostic fields the Mask stage's report can
// surface per flow: the SNI hostname and offered cipher suites. It has no
// bearing on masking correctness — the rewriter never looks inside a
// Handshake record's body.
type ClientHelloInfo struct {
	SNI          string
	CipherSuites []uint16
}

// ExtractClientHello parses the unencrypted fields of a TLS ClientHello
// handshake message body (the record body, without the 5-byte record
// header), returning the SNI and offered cipher suites. Best-effort:
// absent or malformed fields are left zero-valued, and it never errors.
func ExtractClientHello(body []byte) ClientHelloInfo {
	var result ClientHelloInfo

	// handshake type(1) + length(3) + client version(2) + random(32)
	const fixedPrefix = 1 + 3 + 2 + 32
	if len(body) < fixedPrefix+1 {
		return result
	}
	offset := fixedPrefix

	sessionIDLen := int(body[offset])
	offset += 1 + sessionIDLen
	if len(body) <= offset+2 {
		return result
	}

	cipherSuitesLen := int(body[offset])<<8 | int(body[offset+1])
	offset += 2
	if len(body) >= offset+cipherSuitesLen {
		result.CipherSuites = make([]uint16, 0, cipherSuitesLen/2)
		for i := 0; i+1 < cipherSuitesLen; i += 2 {
			result.CipherSuites = append(result.CipherSuites, uint16(body[offset+i])<<8|uint16(body[offset+i+1]))
		}
	}
	offset += cipherSuitesLen
	if len(body) <= offset+1 {
		return result
	}

	compMethodsLen := int(body[offset])
	offset += 1 + compMethodsLen
	if len(body) <= offset+2 {
		return result
	}

	extensionsLen := int(body[offset])<<8 | int(body[offset+1])
	offset += 2
	end := offset + extensionsLen
	if end > len(body) {
		end = len(body)
	}

	for offset < end-4 {
		extType := int(body[offset])<<8 | int(body[offset+1])
		extLen := int(body[offset+2])<<8 | int(body[offset+3])
		offset += 4

		if extType == 0 && offset+2 < len(body) { // server_name extension
			listLen := int(body[offset])<<8 | int(body[offset+1])
			nameOffset := offset + 2
			if listLen > 0 && nameOffset+3 < len(body) {
				nameType := body[nameOffset]
				nameLen := int(body[nameOffset+1])<<8 | int(body[nameOffset+2])
				nameStart := nameOffset + 3
				if nameType == 0 && nameStart+nameLen <= len(body) {
					result.SNI = string(body[nameStart : nameStart+nameLen])
				}
			}
		}

		offset += extLen
	}

	return result
}
