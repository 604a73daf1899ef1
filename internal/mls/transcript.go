package mls

// Transcript hash maintenance. The confirmed hash chains over every
// committed handshake message; the interim hash additionally covers the
// confirmation tag so the next commit transitively authenticates it.

func updateConfirmedTranscriptHash(cs Ciphersuite, interimTranscriptHash, commitContent []byte) []byte {
	return cs.hash(append(dup(interimTranscriptHash), commitContent...))
}

func updateInterimTranscriptHash(cs Ciphersuite, confirmedTranscriptHash, commitAuthData []byte) []byte {
	return cs.hash(append(dup(confirmedTranscriptHash), commitAuthData...))
}

// confirmationTag is MAC(confirmation_key, confirmed_transcript_hash).
func confirmationTag(cs Ciphersuite, confirmationKey, confirmedTranscriptHash []byte) []byte {
	return cs.mac(confirmationKey, confirmedTranscriptHash)
}
