package handlers

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

// Reply pools. One entry is picked at random per reply.
var (
	noImageReplies = []string{
		"？图呢",
		"图呢 急了",
		"没图你让我查空气？",
		"图没了 你在逗我",
		"发图啊 大哥",
	}

	noFaceReplies = []string{
		"这图里没人 你玩我呢",
		"没人脸 发的啥",
		"检测不到脸 抽象画？",
		"人呢 人在哪",
		"没脸 换一张",
	}

	noResultReplies = []string{
		"查无此人 干净得可怕",
		"搜不到 隐形人？",
		"啥也没有 石头缝蹦出来的？",
		"没结果 高人啊",
		"一无所获 深藏功与名",
	}

	lookupSuccessPrefixes = []string{
		"挖到了：",
		"找到了：",
		"有结果：",
		"搜到了：",
		"看看这些：",
	}

	noTargetReplies = []string{
		"？点评谁",
		"你要我喷谁 说啊",
		"@ 一个人出来",
		"没目标 喷空气？",
		"谁 说清楚",
	}

	userNotFoundReplies = []string{
		"这人不存在 召唤虚空？",
		"查无此人 打错字了吧",
		"没这用户 你编的？",
		"不存在 检查下handle",
		"找不到 蒸发了？",
	}

	errorReplies = []string{
		"出错了 等会再试",
		"寄了 稍后再来",
		"系统开小差了",
		"炸了 别急",
		"出问题了 待会试试",
	}
)

// MaxLookupLinks caps the links listed in a lookup reply
const MaxLookupLinks = 3

func pick(pool []string) string {
	return pool[rand.Intn(len(pool))]
}

// NoImageReply is sent when a lookup request carries no image
func NoImageReply() string { return pick(noImageReplies) }

// NoFaceReply is sent when the image has no detectable face
func NoFaceReply() string { return pick(noFaceReplies) }

// NoResultReply is sent when a lookup finds nothing
func NoResultReply() string { return pick(noResultReplies) }

// NoTargetReply is sent when an insult request names nobody
func NoTargetReply() string { return pick(noTargetReplies) }

// UserNotFoundReply is sent when the insult target does not exist
func UserNotFoundReply() string { return pick(userNotFoundReplies) }

// ErrorReply is the generic apology
func ErrorReply() string { return pick(errorReplies) }

// LookupSuccessReply lists up to MaxLookupLinks links under a random prefix
func LookupSuccessReply(links []string) string {
	if len(links) > MaxLookupLinks {
		links = links[:MaxLookupLinks]
	}
	return pick(lookupSuccessPrefixes) + "\n" + strings.Join(links, "\n")
}

// InsultReply addresses the roast at target
func InsultReply(roast, target string) string {
	target = strings.TrimLeft(target, "@")
	if target == "" {
		return roast
	}
	return fmt.Sprintf("@%s %s", target, roast)
}

var indexPrefix = regexp.MustCompile(`^\[\d+\]\s*`)

// NormalizeURL strips a "[n]" list prefix and adds a missing https scheme
func NormalizeURL(url string) string {
	url = indexPrefix.ReplaceAllString(strings.TrimSpace(url), "")
	if url == "" {
		return ""
	}

	switch {
	case strings.HasPrefix(url, "//"):
		url = "https:" + url
	case !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://"):
		url = "https://" + url
	}
	return url
}
