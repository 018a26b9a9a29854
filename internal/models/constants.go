package models

import "time"

const (
	// DefaultSendDelay пауза между письмами одной рассылки
	DefaultSendDelay = 5 * time.Second

	// DefaultRecipientColumn колонка с адресом получателя
	DefaultRecipientColumn = 0

	// HeaderRows количество строк заголовка в листе
	HeaderRows = 1

	// DefaultReportsHistory сколько отчётов хранить
	DefaultReportsHistory = 500

	// DefaultListLimit размер выдачи отчётов по умолчанию
	DefaultListLimit = 50
)
