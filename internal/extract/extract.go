package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"stallwatch/internal/model"

	"github.com/shopspring/decimal"
)

// 解析用正则
var (
	fullSectionRe    = regexp.MustCompile(`(?m)^[-]{4,}\s*$`)
	minimalSectionRe = regexp.MustCompile(`(?m)^[=]{4,}\s*$`)
	priceLineRe      = regexp.MustCompile(`(?i)price\s*[:：]?\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s*z?\b`)
	quantityLineRe   = regexp.MustCompile(`(?i)(?:qty|quantity|amount)\s*[:：]?\s*x?\s*([0-9]+)\b`)
	sellerLineRe     = regexp.MustCompile(`(?i)(?:seller|vendor|shop\s*owner)\s*[:：]\s*(\S.*)`)
	sellerHeaderRe   = regexp.MustCompile(`(?i)^sellers?\s*[:：]?\s*$`)
	noLettersRe      = regexp.MustCompile(`^[\s\p{P}\p{S}0-9]+$`)
)

// 游戏市场界面的固定文案，OCR 常把它们混进商品区域
var headerTokens = []string{
	"item shop",
	"marketplace",
	"buy",
	"cancel",
	"page",
	"search results",
}

// Extract 将一段 OCR 原始文本解析为候选挂单记录。
//
// 文本按模式专属的分隔线切分为互相独立的小节；残缺小节被丢弃并记入
// errors，绝不 panic。full 模式要求 seller/item/price/quantity 四项齐全，
// minimal 模式只产出 seller+item 组合。
func Extract(raw string, mode model.ProcessingMode, source string) ([]model.ListingRecord, []string) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	switch mode {
	case model.ModeMinimal:
		return extractMinimal(raw, source)
	default:
		return extractFull(raw, source)
	}
}

// extractFull 解析完整模式文本。
//
// 每个小节内：定位带价格的行，其前一个非噪声行视为商品名；
// 再定位数量行与卖家行。四项任一缺失则整节丢弃。
func extractFull(raw, source string) ([]model.ListingRecord, []string) {
	var (
		records []model.ListingRecord
		errs    []string
	)

	for idx, section := range fullSectionRe.Split(raw, -1) {
		lines := cleanLines(section)
		if len(lines) == 0 {
			continue
		}

		var (
			seller   string
			item     string
			price    decimal.NullDecimal
			quantity *int
		)

		for i, line := range lines {
			if m := priceLineRe.FindStringSubmatch(line); m != nil && !price.Valid {
				if p, err := parsePrice(m[1]); err == nil {
					price = decimal.NullDecimal{Decimal: p, Valid: true}
					// 价格行的上一个非噪声行是商品名
					if i > 0 {
						item = lines[i-1]
					}
				}
				continue
			}
			if m := quantityLineRe.FindStringSubmatch(line); m != nil && quantity == nil {
				if q, err := strconv.Atoi(m[1]); err == nil {
					quantity = &q
				}
				continue
			}
			if m := sellerLineRe.FindStringSubmatch(line); m != nil && seller == "" {
				seller = strings.TrimSpace(m[1])
			}
		}

		if seller == "" || item == "" || !price.Valid || quantity == nil {
			errs = append(errs, fmt.Sprintf(
				"section %d: incomplete listing (seller=%q item=%q price=%v quantity=%v)",
				idx+1, seller, item, price.Valid, quantity != nil))
			continue
		}

		records = append(records, model.ListingRecord{
			Seller:   seller,
			Item:     item,
			Price:    price,
			Quantity: quantity,
			Source:   source,
			Mode:     model.ModeFull,
		})
	}

	return records, errs
}

// extractMinimal 解析精简模式文本。
//
// 每个小节的第一个非噪声行是商品名；卖家表头行之后的所有非噪声行
// 都是卖家名，每个 (item, seller) 组合产出一条记录。
func extractMinimal(raw, source string) ([]model.ListingRecord, []string) {
	var (
		records []model.ListingRecord
		errs    []string
	)

	for idx, section := range minimalSectionRe.Split(raw, -1) {
		lines := cleanLines(section)
		if len(lines) == 0 {
			continue
		}

		item := ""
		headerAt := -1
		for i, line := range lines {
			if sellerHeaderRe.MatchString(line) {
				headerAt = i
				break
			}
			if item == "" {
				item = line
			}
		}

		if item == "" || headerAt < 0 {
			errs = append(errs, fmt.Sprintf(
				"section %d: missing item name or seller header", idx+1))
			continue
		}

		sellers := lines[headerAt+1:]
		if len(sellers) == 0 {
			errs = append(errs, fmt.Sprintf("section %d: seller list is empty", idx+1))
			continue
		}

		for _, seller := range sellers {
			records = append(records, model.ListingRecord{
				Seller: seller,
				Item:   item,
				Source: source,
				Mode:   model.ModeMinimal,
			})
		}
	}

	return records, errs
}

// cleanLines 按行切分并过滤 OCR 噪声行。
func cleanLines(section string) []string {
	var lines []string
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isArtifact(line) {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// isArtifact 判断一行是否是 OCR 噪声：纯标点/数字，或已知的界面文案。
func isArtifact(line string) bool {
	if noLettersRe.MatchString(line) {
		return true
	}
	lower := strings.ToLower(line)
	for _, token := range headerTokens {
		if lower == token {
			return true
		}
	}
	return false
}

// parsePrice 将价格字符串转换为精确小数。
//
// 移除千位分隔符后解析；"1,500" → 1500。
func parsePrice(txt string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(txt), ",", "")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("empty price")
	}
	return decimal.NewFromString(cleaned)
}
