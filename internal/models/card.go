package models

// Card 是一张投票卡片的值。
type Card string

const (
	Zero     Card = "0"
	Half     Card = "1/2"
	One      Card = "1"
	Two      Card = "2"
	Three    Card = "3"
	Five     Card = "5"
	Eight    Card = "8"
	Thirteen Card = "13"
	Twenty   Card = "20"
	Forty    Card = "40"
	Hundred  Card = "100"
	Question Card = "?"
	Coffee   Card = "coffee"
)

// Deck 按展示顺序列出全部卡片。
var Deck = []Card{Zero, Half, One, Two, Three, Five, Eight, Thirteen, Twenty, Forty, Hundred, Question, Coffee}

func ValidCard(v string) bool {
	for _, c := range Deck {
		if string(c) == v {
			return true
		}
	}
	return false
}
