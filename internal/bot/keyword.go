package bot

import (
	"context"
	"math/rand"
	"strings"
	"sync"
)

// Intent は1つの意図の学習データです
type Intent struct {
	Name       string
	Utterances []string
	Answers    []string
}

// DefaultIntents はチャットルーム用の学習データです
var DefaultIntents = []Intent{
	{
		Name:       "greeting",
		Utterances: []string{"你好", "嗨", "早安", "晚安", "哈囉"},
		Answers:    []string{"你好！有什麼我能幫你的嗎？", "嗨！很高興見到你！"},
	},
	{
		Name:       "weather",
		Utterances: []string{"天氣如何", "今天會下雨嗎", "氣溫多少", "天氣"},
		Answers:    []string{"抱歉，我目前無法獲取天氣信息。"},
	},
	{
		Name:       "encryption",
		Utterances: []string{"如何加密訊息", "訊息加密", "安全聊天", "加密"},
		Answers:    []string{"我們的聊天室使用端到端加密技術，確保只有您和對方能夠讀取訊息內容。"},
	},
	{
		Name:       "video",
		Utterances: []string{"如何開始視訊通話", "視訊聊天", "語音通話", "視訊"},
		Answers:    []string{"點擊聊天室右上角的攝影機圖示，然後選擇您想要通話的用戶。"},
	},
	{
		Name:       "help",
		Utterances: []string{"幫助", "使用說明", "指令", "說明", "怎麼用"},
		Answers:    []string{"可用指令：\n- @bot 你好：打招呼\n- @bot 天氣：詢問天氣\n- @bot 加密：了解加密功能\n- @bot 視訊：了解視訊功能"},
	},
}

// KeywordClassifier は学習データとの文字バイグラムの一致度で意図を推定します
// 完全一致は 1.0、それ以外は Dice 係数の最大値をスコアとします
type KeywordClassifier struct {
	intents []Intent
	grams   [][]map[string]int // intents[i].Utterances[j] のバイグラム

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewKeywordClassifier は学習データから分類器を作成します
func NewKeywordClassifier(intents []Intent, seed int64) *KeywordClassifier {
	k := &KeywordClassifier{
		intents: intents,
		grams:   make([][]map[string]int, len(intents)),
		rnd:     rand.New(rand.NewSource(seed)),
	}
	for i, in := range intents {
		for _, u := range in.Utterances {
			k.grams[i] = append(k.grams[i], bigrams(normalize(u)))
		}
	}
	return k
}

func (k *KeywordClassifier) Classify(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	q := normalize(text)
	if q == "" {
		return Result{}, nil
	}
	qg := bigrams(q)

	best, bestScore := -1, 0.0
	for i, in := range k.intents {
		for j, u := range in.Utterances {
			var s float64
			if normalize(u) == q {
				s = 1
			} else {
				s = dice(qg, k.grams[i][j])
			}
			if s > bestScore {
				best, bestScore = i, s
			}
		}
	}
	if best < 0 {
		return Result{}, nil
	}
	return Result{Intent: k.intents[best].Name, Answer: k.pick(k.intents[best].Answers), Score: bestScore}, nil
}

func (k *KeywordClassifier) pick(answers []string) string {
	if len(answers) == 0 {
		return ""
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return answers[k.rnd.Intn(len(answers))]
}

// normalize は空白と句読点を取り除いて小文字化します
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r == ' ', r == '\t', r == '\n', r == '?', r == '？', r == '!', r == '！', r == '。', r == '，', r == ',', r == '.':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// bigrams は文字単位のバイグラムを数えます。1文字の場合はその文字自体を使います
func bigrams(s string) map[string]int {
	rs := []rune(s)
	out := make(map[string]int)
	if len(rs) == 1 {
		out[s]++
		return out
	}
	for i := 0; i+1 < len(rs); i++ {
		out[string(rs[i:i+2])]++
	}
	return out
}

func dice(a, b map[string]int) float64 {
	total := 0
	for _, n := range a {
		total += n
	}
	for _, n := range b {
		total += n
	}
	if total == 0 {
		return 0
	}
	shared := 0
	for g, n := range a {
		if m, ok := b[g]; ok {
			shared += min(n, m)
		}
	}
	return 2 * float64(shared) / float64(total)
}
