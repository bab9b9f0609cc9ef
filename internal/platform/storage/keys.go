package storage

import (
	"fmt"
	"strings"
)

// Object keys are laid out as
//
//	chats/{chatID}/attachments/{uploadID}/{fileName}
//	orders/{orderID}/deliveries/{uploadID}/{fileName}
//
// so a chat's or an order's media can be listed or expired by prefix.

func attachmentKey(chatID, uploadID, fileName string) (string, error) {
	return objectKey("chats", segment{"chatID", chatID}, "attachments", segment{"uploadID", uploadID}, segment{"fileName", fileName})
}

func deliveryKey(orderID, uploadID, fileName string) (string, error) {
	return objectKey("orders", segment{"orderID", orderID}, "deliveries", segment{"uploadID", uploadID}, segment{"fileName", fileName})
}

// segment is a caller supplied part of a key. Literal parts are plain strings.
type segment struct {
	name  string
	value string
}

func objectKey(parts ...any) (string, error) {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		switch p := part.(type) {
		case string:
			out = append(out, p)
		case segment:
			value := strings.TrimSpace(p.value)
			switch {
			case value == "":
				return "", fmt.Errorf("storage: %s is required", p.name)
			case strings.ContainsAny(value, `/\`) || strings.Contains(value, ".."):
				return "", fmt.Errorf("storage: %s %q is not a single path segment", p.name, value)
			}
			out = append(out, value)
		}
	}
	return strings.Join(out, "/"), nil
}
