package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrPermissionDenied  ErrCode = "PERMISSION_DENIED"
	ErrLearnerAccessOnly ErrCode = "LEARNER_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Attempt-specific ──────────────────────────────────────────────
	ErrAttemptNotStarted  ErrCode = "ATTEMPT_NOT_STARTED"
	ErrAttemptNotActive   ErrCode = "ATTEMPT_NOT_ACTIVE"
	ErrAttemptFinalizing  ErrCode = "ATTEMPT_FINALIZING"
	ErrAttemptNotForced   ErrCode = "ATTEMPT_NOT_FORCED"
	ErrAttemptRejected    ErrCode = "ATTEMPT_REJECTED"
	ErrNoItems            ErrCode = "NO_ITEMS"
	ErrUnknownItem        ErrCode = "UNKNOWN_ITEM"
	ErrItemNotAnswerable  ErrCode = "ITEM_NOT_ANSWERABLE"
	ErrAnswerKindMismatch ErrCode = "ANSWER_KIND_MISMATCH"
	ErrIndexOutOfRange    ErrCode = "INDEX_OUT_OF_RANGE"
	ErrAttemptTakenOver   ErrCode = "ATTEMPT_TAKEN_OVER"
	ErrUnknownAction      ErrCode = "UNKNOWN_ACTION"

	// ─── Upstream ──────────────────────────────────────────────────────
	ErrGatewayUnavailable ErrCode = "GATEWAY_UNAVAILABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrPermissionDenied:
		return "Izin ditolak."
	case ErrLearnerAccessOnly:
		return "Sumber daya ini terbatas untuk peserta."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."

	// ─── Attempt-specific ──────────────────────────────────────────────
	case ErrAttemptNotStarted:
		return "Percobaan ini belum dimulai."
	case ErrAttemptNotActive:
		return "Percobaan ini sudah tidak aktif."
	case ErrAttemptFinalizing:
		return "Pengumpulan sedang diproses."
	case ErrAttemptNotForced:
		return "Percobaan ini tidak menunggu pengumpulan paksa."
	case ErrAttemptRejected:
		return "Permintaan ditolak oleh platform."
	case ErrNoItems:
		return "Tes ini tidak memiliki soal."
	case ErrUnknownItem:
		return "Soal tidak ditemukan dalam percobaan ini."
	case ErrItemNotAnswerable:
		return "Soal ini tidak dapat dijawab."
	case ErrAnswerKindMismatch:
		return "Bentuk jawaban tidak sesuai dengan jenis soal."
	case ErrIndexOutOfRange:
		return "Nomor soal di luar jangkauan."
	case ErrAttemptTakenOver:
		return "Percobaan ini dibuka dari koneksi lain."
	case ErrUnknownAction:
		return "Aksi tidak dikenal."

	// ─── Upstream ──────────────────────────────────────────────────────
	case ErrGatewayUnavailable:
		return "Platform sedang tidak dapat dihubungi. Silakan coba lagi."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
