// Package username 生成可读性较好的随机用户名。
//
// 采用音节拼接的方式（辅音+元音、常用字母组合、常用词尾），
// 生成的用户名接近真实单词，而非纯随机字符串。
package username

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

const (
	consonants = "bcdfghjklmnpqrstvwxyz"
	vowels     = "aeiou"
)

var (
	// 常用的字母组合
	commonPairs = []string{"th", "ch", "sh", "ph", "wh", "br", "cr", "dr", "fr", "gr", "pr", "tr"}
	// 常用的词尾
	commonEndings = []string{"ing", "ed", "er", "est", "ly", "tion", "ment"}
	// 常用的用户名后缀
	usernameSuffixes = []string{"123", "888", "666", "777", "999", "pro", "cool", "good", "best"}
)

// Generator 随机用户名生成器。并发安全。
type Generator struct {
	mu     sync.Mutex
	random *rand.Rand
}

// NewGenerator 创建用户名生成器。
func NewGenerator() *Generator {
	return &Generator{
		random: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// syllable 生成一个音节，30% 概率使用常用字母组合开头
func (g *Generator) syllable() string {
	if g.random.Float64() < 0.3 {
		return commonPairs[g.random.Intn(len(commonPairs))] + string(vowels[g.random.Intn(len(vowels))])
	}
	return string(consonants[g.random.Intn(len(consonants))]) + string(vowels[g.random.Intn(len(vowels))])
}

// word 生成一个目标长度在 [minLen, maxLen] 附近的随机单词
func (g *Generator) word(minLen, maxLen int) string {
	var sb strings.Builder
	targetLen := minLen + g.random.Intn(maxLen-minLen+1)

	for sb.Len() < targetLen-2 {
		sb.WriteString(g.syllable())
	}

	// 可能添加常用词尾
	if g.random.Float64() < 0.3 && sb.Len() < maxLen-2 {
		sb.WriteString(commonEndings[g.random.Intn(len(commonEndings))])
	} else if sb.Len() < targetLen {
		sb.WriteByte(consonants[g.random.Intn(len(consonants))])
	}

	return strings.ToLower(sb.String())
}

// randomUsername 生成基础用户名，50% 概率追加数字或特殊后缀
func (g *Generator) randomUsername() string {
	name := g.word(3, 8)

	if g.random.Float64() < 0.5 {
		if g.random.Float64() < 0.7 {
			// 70% 概率添加 2-3 位数字
			width := 2 + g.random.Intn(2)
			name += fmt.Sprintf("%0*d", width, g.random.Intn(1000))
		} else {
			name += usernameSuffixes[g.random.Intn(len(usernameSuffixes))]
		}
	}

	return name
}

// Generate 生成完整的组合用户名：基础用户名加 numWords 个随机单词，
// 以下划线连接，基础用户名随机置于首位或末位。
func (g *Generator) Generate(numWords int) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if numWords < 0 {
		numWords = 0
	}

	base := g.randomUsername()
	words := make([]string, 0, numWords+1)
	for i := 0; i < numWords; i++ {
		words = append(words, g.word(4, 8))
	}

	if g.random.Float64() < 0.5 {
		words = append(words, base)
	} else {
		words = append([]string{base}, words...)
	}

	return strings.Join(words, "_")
}
