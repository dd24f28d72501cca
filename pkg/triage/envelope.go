package triage

import "strings"

// MakeTriageEnvelopeFromIngest extracts the fields triage rules evaluate
// against from a raw ingest payload (already JSONB-normalized by
// pkg/dbx.Fetch into nested map[string]any/[]any). Missing fields produce
// safe defaults; malformed shapes are skipped rather than raising.
func MakeTriageEnvelopeFromIngest(ingest map[string]any) Envelope {
	env := Envelope{
		Headers: make(map[string]string),
	}

	if sender, ok := ingest["sender_address"].(string); ok {
		env.SenderAddress = strings.ToLower(strings.TrimSpace(sender))
	}
	if channel, ok := ingest["source_channel"].(string); ok {
		env.SourceChannel = channel
	}
	if threadID, ok := ingest["thread_id"].(string); ok {
		env.ThreadID = threadID
	}

	if headers, ok := ingest["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				env.Headers[k] = s
			}
		}
	}

	payload, _ := ingest["payload"].(map[string]any)
	env.MIMETypes = append(env.MIMETypes, extractRawMIMEParts(payload)...)
	env.MIMETypes = append(env.MIMETypes, extractAttachmentMediaTypes(payload)...)

	return env
}

func extractRawMIMEParts(payload map[string]any) []string {
	raw, _ := payload["raw"].(map[string]any)
	parts, _ := raw["mime_parts"].([]any)

	var out []string
	for _, p := range parts {
		if s, ok := p.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func extractAttachmentMediaTypes(payload map[string]any) []string {
	attachments, _ := payload["attachments"].([]any)

	var out []string
	for _, a := range attachments {
		att, ok := a.(map[string]any)
		if !ok {
			continue
		}
		if mt, ok := att["media_type"].(string); ok && mt != "" {
			out = append(out, mt)
		}
	}
	return out
}
