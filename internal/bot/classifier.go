package bot

import "context"

// Result は意図分類の結果です
type Result struct {
	Intent string  // 空なら該当なし
	Answer string  // 意図に対応する応答文
	Score  float64 // 0〜1 の確信度
}

// Classifier は問い合わせ文の意図を分類します
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// ClassifierFunc は関数をClassifierとして使うためのアダプタです
type ClassifierFunc func(ctx context.Context, text string) (Result, error)

func (f ClassifierFunc) Classify(ctx context.Context, text string) (Result, error) {
	return f(ctx, text)
}
