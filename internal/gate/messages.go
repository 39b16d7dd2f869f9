package gate

import "errors"

type MessageKind int

const (
	MessageText MessageKind = iota + 1
	// MessageVerify is a single-button prompt that opens URL.
	MessageVerify
	// MessageActionMenu is text with one postback choice per action.
	MessageActionMenu
)

// Message is a platform-neutral outbound message. The messaging adapter
// renders it into the chat platform's format.
type Message struct {
	Kind    MessageKind
	Text    string
	AltText string
	Label   string
	URL     string
	Choices []Choice
}

type Choice struct {
	Label string
	Data  string
}

func textMessage(s string) Message {
	return Message{Kind: MessageText, Text: s}
}

// User-facing texts.
const (
	TextNotMember        = "❌ 您尚未註冊為停車場用戶，請聯絡管理員。"
	TextVerifyAlt        = "請先驗證定位"
	TextVerifyPrompt     = "請先在車場範圍內進行位置驗證"
	TextVerifyButton     = "📍 驗證我的位置"
	TextMenuPrompt       = "請選擇車庫門操作："
	TextMenuOpen         = "🟢 開門"
	TextMenuClose        = "🔴 關門"
	TextInvalidOperation = "❌ 無效操作"
	TextDispatchFailed   = "⚠️ 無法連接車庫控制器，請稍後再試。"
	TextOpened           = "✅ 門已開啟，請小心進出。"
	TextClosed           = "✅ 門已關閉，感謝您的使用。"
	TextSystemError      = "❌ 系統錯誤，請稍後再試。"

	TextTokenInvalid  = "無效或已過期的驗證"
	TextBadLocation   = "無效的經緯度格式"
	TextRateLimited   = "請求過於頻繁，請稍後再試"
	TextOutOfRange    = "不在車場範圍內"
	TextInternalError = "系統錯誤，請稍後再試"
)

// RejectionText returns the localized text shown for a failed verification.
func RejectionText(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInput):
		return TextBadLocation
	case errors.Is(err, ErrTokenInvalid):
		return TextTokenInvalid
	case errors.Is(err, ErrRateLimited):
		return TextRateLimited
	case errors.Is(err, ErrLocationRejected):
		return TextOutOfRange
	default:
		return TextInternalError
	}
}
