package flow

import (
	"regexp"
	"strings"
)

// Fixed token sets. Checked on normalized text (lowercased, trimmed,
// stripped of trailing punctuation) so "Yes!" and "да." match.
var (
	cancelTokens = tokenSet("cancel", "stop", "exit", "quit", "menu", "отмена", "стоп", "выход", "меню")
	yesTokens    = tokenSet("yes", "y", "yep", "ok", "да", "ок", "ага", "угу")
	noTokens     = tokenSet("no", "n", "nope", "нет", "не")
	retryTokens  = tokenSet("retry", "again", "повтор", "повторить", "еще раз")
)

// menuCommands maps normalized shortcut text to command names.
var menuCommands = map[string]string{
	"menu":      cmdHelp,
	"help":      cmdHelp,
	"start":     cmdStart,
	"profile":   cmdProfile,
	"plan":      cmdPlan,
	"week":      cmdWeek,
	"weight":    cmdWeight,
	"reminders": cmdReminders,
	"coach":     cmdCoach,
	"reset":     cmdReset,
	"меню":      cmdHelp,
	"профиль":   cmdProfile,
	"план":      cmdPlan,
	"вес":       cmdWeight,
}

// Command names used by shortcuts and the intent classifier.
const (
	cmdStart     = "start"
	cmdHelp      = "help"
	cmdProfile   = "profile"
	cmdPlan      = "plan"
	cmdWeek      = "week"
	cmdWeight    = "weight"
	cmdReminders = "reminders"
	cmdCoach     = "coach"
	cmdReset     = "reset"
)

func tokenSet(tokens ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// normalizeText lowercases, trims, and strips trailing punctuation.
func normalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".,!?…:;")
}

func isCancel(text string) bool {
	_, ok := cancelTokens[text]
	return ok
}

func isYes(text string) bool {
	_, ok := yesTokens[text]
	return ok
}

func isNo(text string) bool {
	_, ok := noTokens[text]
	return ok
}

func isRetry(text string) bool {
	_, ok := retryTokens[text]
	return ok
}

var (
	quantityPattern = regexp.MustCompile(`(?i)\d+\s*(g|gr|gram|grams|kg|ml|l|pcs|piece|pieces|шт|г|гр|грамм|кг|мл|л)\b`)
	digitPattern    = regexp.MustCompile(`\d`)
)

// foodKeywords are common meal-description words for the router's
// fallback heuristic when the intent oracle is unavailable.
var foodKeywords = []string{
	"ate", "eat", "breakfast", "lunch", "dinner", "snack", "meal",
	"chicken", "rice", "egg", "bread", "cheese", "salad", "soup", "yogurt",
	"съел", "съела", "поел", "завтрак", "обед", "ужин", "перекус",
	"курица", "рис", "яйцо", "хлеб", "сыр", "салат", "суп", "творог",
}

// looksLikeMeal reports whether free text heuristically reads as a meal
// description: a quantity+unit pattern, a known food keyword, or a
// comma-separated list containing digits.
func looksLikeMeal(text string) bool {
	lower := strings.ToLower(text)
	if quantityPattern.MatchString(lower) {
		return true
	}
	for _, kw := range foodKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return strings.Contains(lower, ",") && digitPattern.MatchString(lower)
}
