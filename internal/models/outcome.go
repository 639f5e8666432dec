package models

// OutcomeKind - исход обработки одной страницы. Отмена - полноценный вариант
// результата, а не ошибка со строковым сравнением сообщения.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// PageOutcome - результат Single-Page Processor для одной страницы.
// При Kind == OutcomeCompleted заполнен Page; при OutcomeFailed - Err
// (строка failed уже сохранена процессором). DigestCandidate заполняется
// только для страницы 1 успешного прогона.
type PageOutcome struct {
	Kind            OutcomeKind
	PageNumber      int
	Page            *StoryPage
	DigestCandidate string
	Err             error
}

// CompletedOutcome - успешный исход страницы.
func CompletedOutcome(page *StoryPage, digest string) PageOutcome {
	return PageOutcome{Kind: OutcomeCompleted, PageNumber: page.PageNumber, Page: page, DigestCandidate: digest}
}

// FailedOutcome - страница не обработана; строка failed уже персистирована.
func FailedOutcome(pageNumber int, err error) PageOutcome {
	return PageOutcome{Kind: OutcomeFailed, PageNumber: pageNumber, Err: err}
}

// CancelledOutcome - страница не обрабатывалась из-за отмены истории.
func CancelledOutcome(pageNumber int) PageOutcome {
	return PageOutcome{Kind: OutcomeCancelled, PageNumber: pageNumber}
}
